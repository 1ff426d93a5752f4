// Command pmpool creates and inspects pool files.
package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/mit-pdos/go-pmem/flush"
	"github.com/mit-pdos/go-pmem/pool"
)

var CLI struct {
	Verbose uint64 `short:"v" help:"Debug level (0 silent, 1 lifecycle, 3 transactions, 5 log entries)"`
	Flush   string `default:"clwb" enum:"clwb,clflush,ntstore,msync,noop" help:"Flush strategy"`

	Create   CreateCmd   `cmd:"" help:"Create and format a pool"`
	Info     InfoCmd     `cmd:"" help:"Print a pool's header and usage"`
	Check    CheckCmd    `cmd:"" help:"Verify a pool's heap and object graph"`
	Recover  RecoverCmd  `cmd:"" help:"Open a pool, replaying its journal"`
	Coalesce CoalesceCmd `cmd:"" help:"Merge adjacent free chunks"`
}

func options() (pool.Options, error) {
	opts := pool.DefaultOptions()
	kind, err := flush.ParseKind(CLI.Flush)
	if err != nil {
		return opts, err
	}
	opts.Flush = kind
	opts.Verbose = CLI.Verbose
	return opts, nil
}

func openPool(path string) (*pool.Pool, error) {
	opts, err := options()
	if err != nil {
		return nil, err
	}
	return pool.Open(path, opts)
}

type CreateCmd struct {
	Path        string `arg:"" help:"Pool file" type:"path"`
	Size        string `default:"8MiB" help:"Pool size"`
	Segments    uint64 `default:"8" help:"Journal segments (concurrent transactions)"`
	SegmentSize string `default:"32KiB" help:"Journal segment size"`
}

func (c *CreateCmd) Run() error {
	opts, err := options()
	if err != nil {
		return err
	}
	size, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("--size: %w", err)
	}
	segsz, err := humanize.ParseBytes(c.SegmentSize)
	if err != nil {
		return fmt.Errorf("--segment-size: %w", err)
	}
	opts.JournalSegments = c.Segments
	opts.JournalSegmentSize = segsz
	p, err := pool.Create(c.Path, size, opts)
	if err != nil {
		return err
	}
	h := p.Header()
	fmt.Printf("created %s: %s, heap %s, pool %v\n", c.Path,
		humanize.IBytes(h.Total), humanize.IBytes(h.HeapSize), h.ID)
	return p.Close()
}

type InfoCmd struct {
	Path string `arg:"" help:"Pool file" type:"existingfile"`
}

func (c *InfoCmd) Run() error {
	p, err := openPool(c.Path)
	if err != nil {
		return err
	}
	h := p.Header()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "pool\t%v\n", h.ID)
	fmt.Fprintf(w, "version\t%d\n", h.Version)
	fmt.Fprintf(w, "size\t%s\n", humanize.IBytes(h.Total))
	fmt.Fprintf(w, "journal\t%d x %s at 0x%x\n", h.NumSegments(), humanize.IBytes(h.SegSize), h.JrnlOff)
	fmt.Fprintf(w, "heap\t%s at 0x%x\n", humanize.IBytes(h.HeapSize), h.HeapOff)
	fmt.Fprintf(w, "free\t%s\n", humanize.IBytes(p.FreeBytes()))
	fmt.Fprintf(w, "objects\t%s\n", humanize.Comma(int64(p.NumLive())))
	fmt.Fprintf(w, "root\t0x%x (tag 0x%x)\n", h.Root, h.RootTag)
	fmt.Fprintf(w, "generation\t%d\n", h.Generation)
	fmt.Fprintf(w, "recovered\t%d\n", p.Recovered())
	w.Flush()
	return p.Close()
}

type CheckCmd struct {
	Path string `arg:"" help:"Pool file" type:"existingfile"`
}

func (c *CheckCmd) Run() error {
	p, err := openPool(c.Path)
	if err != nil {
		return err
	}
	defer p.Close()
	rep, err := p.Check()
	if err != nil {
		return err
	}
	fmt.Printf("%s chunks: %s live (%s), %s free (%s, largest %s)\n",
		humanize.Comma(int64(rep.Chunks)),
		humanize.Comma(int64(rep.Live)), humanize.IBytes(rep.LiveBytes),
		humanize.Comma(int64(rep.Free)), humanize.IBytes(rep.FreeBytes), humanize.IBytes(rep.Largest))
	tags := make([]uint32, 0, len(rep.Tags))
	for tag := range rep.Tags {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, tag := range tags {
		fmt.Printf("  tag 0x%08x: %s\n", tag, humanize.Comma(int64(rep.Tags[tag])))
	}
	fmt.Printf("%d reachable from the root, %d untraced\n", rep.Reachable, rep.Untraced)
	if rep.Untraced == 0 && len(rep.Leaked) > 0 {
		fmt.Printf("%d leaked: %#x\n", len(rep.Leaked), rep.Leaked)
	}
	if len(rep.Dangling) > 0 {
		return fmt.Errorf("%d dangling pointers: %#x", len(rep.Dangling), rep.Dangling)
	}
	return nil
}

type RecoverCmd struct {
	Path string `arg:"" help:"Pool file" type:"existingfile"`
}

func (c *RecoverCmd) Run() error {
	p, err := openPool(c.Path)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d transactions\n", p.Recovered())
	return p.Close()
}

type CoalesceCmd struct {
	Path string `arg:"" help:"Pool file" type:"existingfile"`
}

func (c *CoalesceCmd) Run() error {
	p, err := openPool(c.Path)
	if err != nil {
		return err
	}
	n, err := p.Coalesce()
	if err != nil {
		p.Close()
		return err
	}
	fmt.Printf("%d merges, %s free\n", n, humanize.IBytes(p.FreeBytes()))
	return p.Close()
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pmpool"),
		kong.Description("Persistent memory pool administration"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
