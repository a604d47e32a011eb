/*
Copyright © 2025 blacktop

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
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/dylibify/internal/commands/dylibify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// AppVersion stores the binary's version
	AppVersion string
	// AppBuildTime stores the binary's build time
	AppBuildTime string
)

// parsing is flipped once cobra hands control to RunE; anything that fails
// before that is an argument error and exits with the shell's failure code.
var parsing = true

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dylibify",
	Short: "Convert Mach-O executables into re-targetable dylibs",
	Example: heredoc.Doc(`
		# Convert an executable into a dylib loadable from its own folder
		❯ dylibify --in /usr/bin/whoami --out whoami.dylib
		# Strip dependencies the current host can't resolve and stub their imports
		❯ dylibify -i MobileApp -o app.dylib --auto-remove-dylibs --ios
		# Drop a specific dependency (its imports get stubbed)
		❯ dylibify -i tool -o tool.dylib -r /usr/lib/libnotify.dylib`),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		parsing = false

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		return dylibify.Dylibify(&dylibify.Config{
			Input:           viper.GetString("dylibify.in"),
			Output:          viper.GetString("dylibify.out"),
			DylibPath:       viper.GetString("dylibify.dylib-path"),
			RemoveDylibs:    viper.GetStringSlice("dylibify.remove-dylib"),
			AutoRemove:      viper.GetBool("dylibify.auto-remove-dylibs"),
			RemoveInfoPlist: viper.GetBool("dylibify.remove-info-plist"),
			IOS:             viper.GetBool("dylibify.ios"),
			MacOS:           viper.GetBool("dylibify.macos"),
			Verbose:         viper.GetBool("verbose"),
		})
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		if parsing {
			os.Exit(-1)
		}
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	// Flags
	rootCmd.Flags().StringP("in", "i", "", "Input Mach-O executable")
	rootCmd.Flags().StringP("out", "o", "", "Output Mach-O dylib")
	rootCmd.Flags().StringP("dylib-path", "d", "", "Path for LC_ID_DYLIB command (e.g. @executable_path/Frameworks/libfoo.dylib)")
	rootCmd.Flags().StringArrayP("remove-dylib", "r", nil, "Remove dylib dependency")
	rootCmd.Flags().BoolP("auto-remove-dylibs", "R", false, "Automatically remove unavailable dylib dependencies")
	rootCmd.Flags().BoolP("remove-info-plist", "P", false, "Remove __TEXT,__info_plist section")
	rootCmd.Flags().BoolP("ios", "I", false, "Patch platform to iOS")
	rootCmd.Flags().BoolP("macos", "M", false, "Patch platform to macOS")
	rootCmd.Flags().BoolP("verbose", "V", false, "Verbose output")
	rootCmd.MarkFlagRequired("in")
	rootCmd.MarkFlagRequired("out")
	rootCmd.MarkZshCompPositionalArgumentFile(1)
	viper.BindPFlag("dylibify.in", rootCmd.Flags().Lookup("in"))
	viper.BindPFlag("dylibify.out", rootCmd.Flags().Lookup("out"))
	viper.BindPFlag("dylibify.dylib-path", rootCmd.Flags().Lookup("dylib-path"))
	viper.BindPFlag("dylibify.remove-dylib", rootCmd.Flags().Lookup("remove-dylib"))
	viper.BindPFlag("dylibify.auto-remove-dylibs", rootCmd.Flags().Lookup("auto-remove-dylibs"))
	viper.BindPFlag("dylibify.remove-info-plist", rootCmd.Flags().Lookup("remove-info-plist"))
	viper.BindPFlag("dylibify.ios", rootCmd.Flags().Lookup("ios"))
	viper.BindPFlag("dylibify.macos", rootCmd.Flags().Lookup("macos"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}
