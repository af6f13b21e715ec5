package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/scatterfault/pereloc/internal/recompiler"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		in        = flag.String("in", "", "input PE32 file")
		out       = flag.String("out", "", "output PE32 file")
		win10     = flag.Bool("win10", false, "use the ASLR-preserving Windows 10 attack variant")
		multipass = flag.Bool("multipass", false, "chain a base-address rewrite after every entry-point rewrite")
		header    = flag.Bool("header", false, "queue an entry-point rewrite")
		base      = flag.Bool("base", false, "queue an image-base rewrite")
		imports   = flag.Bool("imports", false, "queue an import table/IAT rewrite")
	)
	var sections, matches, ranges stringList
	flag.Var(&sections, "section", "queue a whole-section rewrite (repeatable)")
	flag.Var(&matches, "match", "queue a rewrite of every occurrence of this substring (repeatable)")
	flag.Var(&ranges, "range", "queue a rewrite of name:offset:length within a section (repeatable)")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: pereloc -in FILE -out FILE [-win10] [-multipass] [-header] [-base] [-imports] [-section NAME]... [-match STRING]... [-range NAME:OFFSET:LENGTH]...")
		os.Exit(2)
	}

	infoLog := log.New(os.Stdout, "", log.LstdFlags)
	errLog := log.New(os.Stderr, "", log.LstdFlags)

	if err := run(*in, *out, *win10, *multipass, *header, *base, *imports, sections, matches, ranges, infoLog, errLog); err != nil {
		errLog.Printf("%v", err)
		os.Exit(1)
	}
}

func parseRange(spec string) (name string, offset, length uint32, err error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("range %q must be name:offset:length", spec)
	}
	off, err := strconv.ParseUint(parts[1], 0, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("range %q: bad offset: %w", spec, err)
	}
	ln, err := strconv.ParseUint(parts[2], 0, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("range %q: bad length: %w", spec, err)
	}
	return parts[0], uint32(off), uint32(ln), nil
}

func run(in, out string, win10, multipass, header, base, imports bool, sections, matches, ranges []string, infoLog, errLog *log.Logger) error {
	c := recompiler.New(infoLog, errLog)
	c.UseWindows10Attack(win10)
	c.DoMultiPass(multipass)

	if err := c.LoadImage(in); err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	if err := c.LoadSections(); err != nil {
		return fmt.Errorf("load sections: %w", err)
	}
	if err := c.PerformOnDiskRelocations(); err != nil {
		return fmt.Errorf("on-disk relocate: %w", err)
	}

	if header {
		if err := c.RewriteHeader(); err != nil {
			return fmt.Errorf("rewrite header: %w", err)
		}
	}
	if base {
		if err := c.FixupBase(); err != nil {
			return fmt.Errorf("fixup base: %w", err)
		}
	}
	if imports {
		if err := c.RewriteImports(); err != nil {
			return fmt.Errorf("rewrite imports: %w", err)
		}
	}
	for _, name := range sections {
		if err := c.RewriteSection(name); err != nil {
			return fmt.Errorf("rewrite section %q: %w", name, err)
		}
	}
	for _, needle := range matches {
		if err := c.RewriteMatches(needle); err != nil {
			return fmt.Errorf("rewrite matches %q: %w", needle, err)
		}
	}
	for _, spec := range ranges {
		name, offset, length, err := parseRange(spec)
		if err != nil {
			return err
		}
		if err := c.RewriteRange(name, offset, length); err != nil {
			return fmt.Errorf("rewrite range %q: %w", spec, err)
		}
	}

	if err := c.WriteOutputFile(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
