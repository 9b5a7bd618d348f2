/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/dscmap/internal/colors"
	"github.com/blacktop/dscmap/pkg/dyld"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type imageInfo struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Address uint64 `json:"address"`
	ModTime uint64 `json:"mod_time,omitempty"`
	Inode   uint64 `json:"inode,omitempty"`
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.Flags().StringP("find", "f", "", "Look up the index of an install name")
	imagesCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	imagesCmd.Flags().Bool("trie", false, "Dump the dylibs trie instead of the image array")
	viper.BindPFlag("images.find", imagesCmd.Flags().Lookup("find"))
	viper.BindPFlag("images.json", imagesCmd.Flags().Lookup("json"))
	viper.BindPFlag("images.trie", imagesCmd.Flags().Lookup("trie"))
}

// imagesCmd represents the images command
var imagesCmd = &cobra.Command{
	Use:     "images <DSC>",
	Aliases: []string{"ls"},
	Short:   "List the dylibs in a dyld_shared_cache",
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		find := viper.GetString("images.find")
		asJSON := viper.GetBool("images.json") || conf.Output.JSON

		c, err := openCache(args[0], loaderConfig(false))
		if err != nil {
			return err
		}
		defer c.Close()

		if find != "" {
			img, err := c.Images.ImageForPath(find)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(imageInfo{img.Index, img.Path, img.Address, img.ModTime, img.Inode})
			}
			fmt.Println(img)
			return nil
		}

		if viper.GetBool("images.trie") {
			entries, err := c.Images.TrieEntries()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(entries)
			}
			paths := trieOrder(entries)
			for _, path := range paths {
				fmt.Printf("%4d: %s\n", entries[path]+1, colors.Path().Sprint(path))
			}
			return nil
		}

		var images []imageInfo
		if err := c.Images.ForEachDylib(func(img *dyld.Image) bool {
			images = append(images, imageInfo{img.Index, img.Path, img.Address, img.ModTime, img.Inode})
			return true
		}); err != nil {
			return err
		}
		if asJSON {
			return printJSON(images)
		}
		for _, img := range images {
			if Verbose && img.ModTime != 0 {
				fmt.Printf("%4d: %s %s (inode %d, %s)\n", img.Index+1,
					colors.Address().Sprintf("%#x", img.Address),
					colors.Path().Sprint(img.Path),
					img.Inode,
					time.Unix(int64(img.ModTime), 0).UTC().Format(time.RFC3339))
				continue
			}
			fmt.Printf("%4d: %s %s\n", img.Index+1, colors.Address().Sprintf("%#x", img.Address), colors.Path().Sprint(img.Path))
		}
		log.Debugf("%d images", len(images))

		return nil
	},
}

// trieOrder returns the paths of entries sorted by image index, then path.
func trieOrder(entries map[string]int) []string {
	paths := make([]string, 0, len(entries))
	for path := range entries {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		if entries[paths[i]] != entries[paths[j]] {
			return entries[paths[i]] < entries[paths[j]]
		}
		return paths[i] < paths[j]
	})
	return paths
}

func printJSON(v any) error {
	j, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(j))
	return nil
}
