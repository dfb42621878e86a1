package commands

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/piwi3910/ptlbench/internal/config"
	"github.com/piwi3910/ptlbench/internal/report"
)

// results is an open result destination.
type results struct {
	*report.Writer
	closer io.Closer
}

// openResults opens path, or stdout when path is empty, and writes the run
// banner: the run identifier and the effective configuration as comments.
func openResults(stdout io.Writer, cfg *config.Config, path, command, runID string) (*results, error) {
	format, err := report.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, err
	}

	out := &results{}

	var dst io.Writer = stdout
	if path != "" {
		compression, err := config.OutputConfig{Path: path, Compression: cfg.Output.Compression}.ResolveCompression()
		if err != nil {
			return nil, err
		}

		f, err := report.OpenFile(path, compression)
		if err != nil {
			return nil, err
		}

		dst = f
		out.closer = f
	}

	out.Writer = report.NewWriter(dst, format, report.WithPrecision(cfg.Output.Precision))

	if err := out.banner(cfg, command, runID); err != nil {
		return nil, errors.Join(err, out.Close())
	}

	return out, nil
}

func (r *results) banner(cfg *config.Config, command, runID string) error {
	if err := r.Comment("ptlbench %s", command); err != nil {
		return err
	}

	if err := r.Comment("run_id %s", runID); err != nil {
		return err
	}

	doc, err := cfg.YAML()
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(bytes.NewReader(doc))
	for sc.Scan() {
		if err := r.Comment("%s", sc.Text()); err != nil {
			return err
		}
	}

	return sc.Err()
}

// Close flushes the writer and closes the file, if any.
func (r *results) Close() error {
	err := r.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}

	return err
}

// sectionPath derives a per-section file from path: out.tsv.zst with
// section LE becomes out-LE.tsv.zst.
func sectionPath(path, section string) string {
	if path == "" {
		return ""
	}

	dir, base := filepath.Split(path)

	stem, ext := base, ""
	if i := strings.Index(base, "."); i > 0 {
		stem, ext = base[:i], base[i:]
	}

	return filepath.Join(dir, stem+"-"+section+ext)
}
