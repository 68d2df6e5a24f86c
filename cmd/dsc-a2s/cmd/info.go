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

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/dsc-a2s/pkg/dyld"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("images", "i", false, "List the dylib images in the cache")

	viper.BindPFlag("info.images", infoCmd.Flags().Lookup("images"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <dyld_shared_cache>",
	Short:         "Parse a dyld_shared_cache header and print its layout",
	SilenceUsage:  false,
	SilenceErrors: true,
	Args:          cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		f, err := dyld.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer f.Close()

		fmt.Println("Header")
		fmt.Println("======")
		fmt.Println(f.CacheHeader.String())

		fmt.Println(f.Mappings.String())

		fmt.Printf("Accelerate Tab: version %d, %d range entries\n",
			f.AcceleratorInfo.Version, f.AcceleratorInfo.RangeTableCount)
		if f.LocalSymInfo != nil {
			fmt.Printf("Local Symbols:  %d symbols, %d dylib entries\n",
				f.LocalSymInfo.NlistCount, f.LocalSymInfo.EntriesCount)
		}
		fmt.Println()

		if viper.GetBool("info.images") {
			fmt.Println(f.Images.String())
		}

		return nil
	},
}
