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

	"github.com/blacktop/dscmap/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().Uint64P("size", "s", 0x100, "Number of bytes to dump")
	dumpCmd.Flags().BoolP("string", "c", false, "Read a NUL terminated string at the address")
	viper.BindPFlag("dump.size", dumpCmd.Flags().Lookup("size"))
	viper.BindPFlag("dump.string", dumpCmd.Flags().Lookup("string"))
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:     "dump <DSC> <ADDR>",
	Aliases: []string{"d"},
	Short:   "Hexdump mapped bytes at an unslid address",
	Args:    cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := utils.ConvertStrToInt(args[1])
		if err != nil {
			return fmt.Errorf("failed to parse address %s: %v", args[1], err)
		}
		size := viper.GetUint64("dump.size")

		dconf := loaderConfig(false)
		dconf.SkipLocalSymbols = true
		c, err := openCache(args[0], dconf)
		if err != nil {
			return err
		}
		defer c.Close()

		if viper.GetBool("dump.string") {
			s, err := c.CString(addr)
			if err != nil {
				return err
			}
			fmt.Println(s)
			return nil
		}

		dat, err := c.Bytes(addr, size)
		if err != nil {
			return err
		}
		fmt.Print(utils.HexDump(dat, addr))
		return nil
	},
}
