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

	"github.com/apex/log"
	"github.com/blacktop/dscmap/internal/colors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(symbolsCmd)
	symbolsCmd.Flags().StringP("image", "i", "", "Only print the local symbols of this install name")
	symbolsCmd.Flags().IntP("limit", "n", 0, "Stop after this many images (0 is no limit)")
	viper.BindPFlag("symbols.image", symbolsCmd.Flags().Lookup("image"))
	viper.BindPFlag("symbols.limit", symbolsCmd.Flags().Lookup("limit"))
}

// symbolsCmd represents the symbols command
var symbolsCmd = &cobra.Command{
	Use:     "symbols <DSC>",
	Aliases: []string{"sym"},
	Short:   "Dump the unmapped local symbols of a dyld_shared_cache",
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		image := viper.GetString("symbols.image")
		limit := viper.GetInt("symbols.limit")
		if limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		c, err := openCache(args[0], loaderConfig(true))
		if err != nil {
			return err
		}
		defer c.Close()

		sym := colors.Symbol().SprintFunc()

		if image != "" {
			syms, err := c.LocalSymbolsForImage(image)
			if err != nil {
				return err
			}
			for _, s := range syms {
				fmt.Println(sym(s))
			}
			return nil
		}

		idx, err := c.LocalSymbols()
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"file":    c.LocalSymbolsPath(),
			"entries": idx.EntryCount(),
			"nlists":  idx.NlistCount(),
		}).Info("Local Symbols")

		var (
			ierr  error
			index int
		)
		if err := idx.ForEachEntry(func(dylibOffset uint64, start, count uint32) bool {
			if limit > 0 && index >= limit {
				return false
			}
			path, err := c.Images.ImagePath(index)
			if err != nil {
				path = fmt.Sprintf("<entry %d>", index)
			}
			syms, err := idx.Symbols(start, count)
			if err != nil {
				ierr = err
				return false
			}
			fmt.Printf("%s %s (%d)\n", colors.Address().Sprintf("%#x", dylibOffset), colors.Path().Sprint(path), count)
			for _, s := range syms {
				fmt.Printf("\t%s\n", sym(s))
			}
			index++
			return true
		}); err != nil {
			return err
		}

		return ierr
	},
}
