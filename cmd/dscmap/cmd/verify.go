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
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/dscmap/internal/colors"
	"github.com/blacktop/dscmap/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// pageProgress draws one bar per cache file as its pages are hashed.
type pageProgress struct {
	p    *mpb.Progress
	once sync.Once
	bar  *mpb.Bar
	name string
}

func newPageProgress(p *mpb.Progress, path string) *pageProgress {
	return &pageProgress{p: p, name: filepath.Base(path)}
}

func (pp *pageProgress) update(done, total int) {
	pp.once.Do(func() {
		pp.bar = pp.p.New(int64(total),
			// progress bar filler with customized style
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.Name(pp.name, decor.WC{W: len(pp.name) + 1, C: decor.DindentRight | decor.DextraSpace}),
				// replace ETA decorator with "done" message, OnComplete event
				decor.OnComplete(
					decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
				),
			),
			mpb.AppendDecorators(
				decor.CountersNoUnit("%d/%d"),
				decor.Name(" ] "),
			),
		)
	})
	pp.bar.SetCurrent(int64(done))
}

func (pp *pageProgress) abort() {
	if pp.bar != nil && !pp.bar.Completed() {
		pp.bar.Abort(false)
	}
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Bool("no-progress", false, "Do not draw progress bars")
	viper.BindPFlag("verify.no-progress", verifyCmd.Flags().Lookup("no-progress"))
}

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:     "verify <DSC>",
	Aliases: []string{"v"},
	Short:   "Validate the code signature of every file in a dyld_shared_cache",
	Args:    cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dconf := loaderConfig(false)
		dconf.VerifyOnLoad = false
		dconf.SkipLocalSymbols = true

		c, err := openCache(args[0], dconf)
		if err != nil {
			return err
		}
		defer c.Close()

		showProgress := !viper.GetBool("verify.no-progress") && !Verbose

		log.WithField("workers", dconf.Workers).Info("Validating code signatures")

		var failed int
		for _, mc := range c.Caches() {
			utils.Indent(log.Debug, 2)(fmt.Sprintf("%s (%d mappings)", mc.Path, len(mc.Mappings)))
			vconf := *dconf
			var pp *pageProgress
			var p *mpb.Progress
			if showProgress {
				p = mpb.New(mpb.WithWidth(80))
				pp = newPageProgress(p, mc.Path)
				vconf.Progress = pp.update
			}

			err := mc.Validate(&vconf)

			if p != nil {
				if err != nil {
					pp.abort()
				}
				p.Wait()
			}

			if err != nil {
				failed++
				fmt.Printf("%s %s: %v\n", colors.Fail().Sprint("FAIL"), mc.Path, err)
				continue
			}
			fmt.Printf("%s %s\n", colors.OK().Sprint("OK  "), mc.Path)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d cache files failed validation", failed, len(c.Caches()))
		}
		return nil
	},
}
