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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/blacktop/dscmap/internal/colors"
	"github.com/blacktop/dscmap/pkg/dyld"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type subCacheInfo struct {
	Path     string                  `json:"path"`
	UUID     string                  `json:"uuid"`
	VMOffset uint64                  `json:"vm_offset"`
	Mappings []dyld.CacheMappingInfo `json:"mappings"`
}

type cacheInfo struct {
	Path              string                  `json:"path"`
	Magic             string                  `json:"magic"`
	UUID              string                  `json:"uuid"`
	Platform          string                  `json:"platform"`
	OSVersion         string                  `json:"os_version"`
	CacheType         string                  `json:"cache_type"`
	FormatVersion     string                  `json:"format_version"`
	Capabilities      dyld.HeaderCapabilities `json:"capabilities"`
	SharedRegionStart uint64                  `json:"shared_region_start"`
	SharedRegionSize  uint64                  `json:"shared_region_size"`
	Mappings          []dyld.CacheMappingInfo `json:"mappings"`
	SubCaches         []subCacheInfo          `json:"sub_caches"`
	Images            uint32                  `json:"images"`
	LocalSymbols      string                  `json:"local_symbols,omitempty"`
}

func getInfo(c *dyld.Cache) *cacheInfo {
	m := c.Main
	info := &cacheInfo{
		Path:              c.Path,
		Magic:             m.Magic.String(),
		UUID:              dyld.UUIDString(m.UUID),
		Platform:          m.Platform.String(),
		OSVersion:         m.OsVersion.String(),
		CacheType:         m.CacheType.String(),
		FormatVersion:     m.FormatVersion.String(),
		Capabilities:      m.Caps,
		SharedRegionStart: m.UnslidLoadAddress(),
		SharedRegionSize:  m.Region().Size(),
		Mappings:          m.Mappings,
		SubCaches:         []subCacheInfo{},
		Images:            c.Images.ImageCount(),
	}
	if m.Caps.HasLocalSymbolsInfo || m.HasLocalSymbolsFile() {
		info.LocalSymbols = c.LocalSymbolsPath()
	}
	for _, sc := range c.SubCaches {
		info.SubCaches = append(info.SubCaches, subCacheInfo{
			Path:     sc.Path,
			UUID:     dyld.UUIDString(sc.UUID),
			VMOffset: sc.UnslidLoadAddress() - m.UnslidLoadAddress(),
			Mappings: sc.Mappings,
		})
	}
	return info
}

func printMappings(w *tabwriter.Writer, mappings []dyld.CacheMappingInfo) {
	for _, mp := range mappings {
		fmt.Fprintf(w, "  %s\t%s/%s\t%s\t%s\t%s\n",
			mp.Name(),
			colors.Prot().Sprint(mp.InitProt.String()),
			colors.Prot().Sprint(mp.MaxProt.String()),
			colors.Size().Sprint(humanize.Bytes(mp.Size)),
			colors.Address().Sprintf("%#x -> %#x", mp.Address, mp.End()),
			fmt.Sprintf("%#x -> %#x", mp.FileOffset, mp.FileOffset+mp.Size),
		)
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	viper.BindPFlag("info.json", infoCmd.Flags().Lookup("json"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:     "info <DSC>",
	Aliases: []string{"i"},
	Short:   "Print the header, mappings and sub-caches of a dyld_shared_cache",
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache(args[0], loaderConfig(false))
		if err != nil {
			return err
		}
		defer c.Close()

		info := getInfo(c)

		if viper.GetBool("info.json") || conf.Output.JSON {
			return printJSON(info)
		}

		key := colors.Key().SprintFunc()
		val := colors.Value().SprintFunc()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		fmt.Fprintf(w, "%s\t%s\n", key("Magic"), val(info.Magic))
		fmt.Fprintf(w, "%s\t%s\n", key("UUID"), val(info.UUID))
		fmt.Fprintf(w, "%s\t%s (%s)\n", key("Platform"), val(info.Platform), info.OSVersion)
		fmt.Fprintf(w, "%s\t%s\n", key("Cache Type"), val(info.CacheType))
		fmt.Fprintf(w, "%s\t%s\n", key("Format"), val(info.FormatVersion))
		fmt.Fprintf(w, "%s\t%s\n", key("Features"), val(info.Capabilities.String()))
		fmt.Fprintf(w, "%s\t%s (%s)\n", key("Shared Region"),
			colors.Address().Sprintf("%#x", info.SharedRegionStart),
			colors.Size().Sprint(humanize.Bytes(info.SharedRegionSize)))
		fmt.Fprintf(w, "%s\t%d\n", key("Images"), info.Images)
		if info.LocalSymbols != "" {
			fmt.Fprintf(w, "%s\t%s\n", key("Local Symbols"), colors.Path().Sprint(info.LocalSymbols))
		}
		w.Flush()

		fmt.Println()
		fmt.Println("Mappings")
		fmt.Println("========")
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		printMappings(w, info.Mappings)
		w.Flush()

		if len(info.SubCaches) > 0 {
			fmt.Println()
			fmt.Println("SubCaches")
			fmt.Println("=========")
			for _, sc := range info.SubCaches {
				fmt.Printf("\n> %s (%s) +%#x\n", colors.Path().Sprint(sc.Path), sc.UUID, sc.VMOffset)
				w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				printMappings(w, sc.Mappings)
				w.Flush()
			}
		}

		return nil
	},
}
