// Command dyld-decache reconstructs standalone Mach-O dylibs from a
// prelinked dyld shared-library cache.
//
// Grounded on the blacktop/ipsw `dyld extract` cobra command
// (other_examples/663961e9_LetsUnlockiPhone-ipsw__cmd-ipsw-cmd-dyld-dyld_extract.go.go):
// the same single-RunE shape, viper flag binding, apex/log leveling and
// mpb/v7 bulk progress bar, retargeted at the internal/decache pipeline
// instead of go-macho's in-memory Export.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/kennytm/decacher/internal/decache"
	"github.com/kennytm/decacher/pkg/dyldcache"
)

func init() {
	rootCmd.Flags().BoolP("print", "p", false, "Print cache header/mapping/image info and exit")
	rootCmd.Flags().StringP("output", "o", "", "Directory to extract dylibs into (default: alongside the cache file)")
	rootCmd.Flags().StringArrayP("filter", "f", nil, "Only extract images whose extension-stripped filename matches name (repeatable)")
	rootCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	viper.BindPFlag("decache.print", rootCmd.Flags().Lookup("print"))
	viper.BindPFlag("decache.output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("decache.filter", rootCmd.Flags().Lookup("filter"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))
}

var rootCmd = &cobra.Command{
	Use:           "dyld-decache <cache_path>",
	Short:         "Extract every dylib out of a dyld shared-library cache",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func run(cmd *cobra.Command, args []string) error {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	cachePath := filepath.Clean(args[0])

	cache, err := dyldcache.Open(cachePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", cachePath)
	}
	defer cache.Close()

	if viper.GetBool("decache.print") {
		cache.PrintInfo(os.Stdout)
		return nil
	}

	folder := filepath.Dir(cachePath) // default to alongside the cache
	if output := viper.GetString("decache.output"); output != "" {
		folder = output
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %s", folder)
	}

	filters := viper.GetStringSlice("decache.filter")
	resolver := dyldcache.NewResolver(cache)
	dedup := dyldcache.NewDedup()

	type job struct {
		index int
		path  string
		fname string
	}
	var jobs []job
	for i := range cache.Images {
		path, ok := cache.PathOfImage(i)
		if !ok || dyldcache.ShouldSkipImage(path, filters) {
			continue
		}
		jobs = append(jobs, job{index: i, path: path, fname: filepath.Join(folder, path)})
	}

	log.Infof("Extracting %d dylibs from %s", len(jobs), cachePath)

	p := mpb.New(mpb.WithWidth(80))
	name := "      "
	bar := p.New(int64(len(jobs)),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DidentRight}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "✅ ",
			),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d"),
			decor.Name(" ] "),
		),
	)

	var failed int
	for _, j := range jobs {
		headerAddr := cache.Images[j.index].Address
		if firstPath, dup := dedup.Observe(headerAddr, j.fname); dup {
			if err := os.MkdirAll(filepath.Dir(j.fname), 0o755); err != nil {
				log.Warnf("%s: failed to create parent directory: %v", j.fname, err)
				failed++
				bar.Increment()
				continue
			}
			target := dyldcache.SymlinkTarget(j.fname, firstPath)
			_ = os.Remove(j.fname)
			if err := os.Symlink(target, j.fname); err != nil {
				log.Warnf("%s: failed to symlink to %s: %v", j.fname, firstPath, err)
				failed++
			} else {
				log.Debugf("symlinked %s -> %s", j.fname, target)
			}
			bar.Increment()
			continue
		}

		headerOffset, ok := cache.FromCacheVMAddr(headerAddr)
		if !ok {
			log.Warnf("%s: mach_header at %#x is unmapped", j.path, headerAddr)
			failed++
			bar.Increment()
			continue
		}

		d, err := decache.New(resolver, headerOffset, headerAddr)
		if err != nil {
			log.Warnf("%s: %v", j.path, err)
			failed++
			bar.Increment()
			continue
		}
		if err := d.Run(j.fname); err != nil {
			log.Warnf("%s: %v", j.path, err)
			failed++
			bar.Increment()
			continue
		}

		log.Debugf("decached %s -> %s", j.path, j.fname)
		bar.Increment()
	}
	p.Wait()

	if failed > 0 {
		return errors.Errorf("%d of %d dylibs failed to extract", failed, len(jobs))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
