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
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/dsc-a2s/internal/utils"
	"github.com/blacktop/dsc-a2s/pkg/dyld"
)

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().Uint64P("slide", "s", 0, "dyld_shared_cache slide to apply (to unslide the address)")
	lookupCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	viper.BindPFlag("lookup.slide", lookupCmd.Flags().Lookup("slide"))
	viper.BindPFlag("lookup.json", lookupCmd.Flags().Lookup("json"))

	lookupCmd.MarkZshCompPositionalArgumentFile(1, "dyld_shared_cache*")
}

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:     "lookup <dyld_shared_cache> <address>",
	Aliases: []string{"a2s"},
	Short:   "Lookup the dylib (and closest symbol) at an unslid address",
	Long: heredoc.Doc(`
		Resolves a raw virtual address against the cache's range table and prints
		the owning dylib plus the closest preceding symbol, atos style:

		    $ dsc-a2s lookup dyld_shared_cache_arm64 0x180028000
		    free (in libsystem_malloc.dylib) + 0x24

		Addresses are hexadecimal, with or without a 0x prefix, and must already
		be unslid (pass --slide to subtract a runtime slide first).`),
	SilenceUsage:  false,
	SilenceErrors: true,
	Args:          cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		// flags
		slide := viper.GetUint64("lookup.slide")
		asJSON := viper.GetBool("lookup.json")

		addr, err := utils.ParseAddress(args[1])
		if err != nil {
			return fmt.Errorf("invalid hexadecimal address %q", args[1])
		}

		unslidAddr := addr
		if slide > 0 {
			unslidAddr = addr - slide
		}

		dscPath := filepath.Clean(args[0])

		fileInfo, err := os.Lstat(dscPath)
		if err != nil {
			return fmt.Errorf("file %s does not exist", dscPath)
		}

		// Check if file is a symlink
		if fileInfo.Mode()&os.ModeSymlink != 0 {
			symlinkPath, err := os.Readlink(dscPath)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s", dscPath)
			}
			// TODO: this seems like it would break
			linkParent := filepath.Dir(dscPath)
			linkRoot := filepath.Dir(linkParent)

			dscPath = filepath.Join(linkRoot, symlinkPath)
		}

		f, err := dyld.Open(dscPath)
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := f.GetSymbolForVMAddress(unslidAddr)
		if err != nil {
			if errors.Is(err, dyld.ErrAddressNotInCache) {
				return fmt.Errorf("address %#x not found in any dylib", addr)
			}
			return err
		}

		log.WithFields(log.Fields{
			"dylib":        res.Image,
			"load_address": fmt.Sprintf("%#x", res.LoadAddress),
		}).Debug("Address location")

		if asJSON {
			out, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("failed to marshal lookup result: %v", err)
			}
			fmt.Println(string(out))
			return nil
		}

		if viper.GetBool("verbose") {
			fmt.Println(res.Verbose())
		} else {
			fmt.Println(res.String())
		}

		return nil
	},
}
