package conbuilder

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// artifactExtensions are the recognized build outputs: package, changes,
// compressed source, build info and source control description.
var artifactExtensions = []string{".deb", ".changes", ".xz", ".gz", ".buildinfo", ".dsc"}

// Exporter copies recognized artifacts from a finished workspace to the
// configured export directory, optionally bundling them into one tarball,
// and ships them to an S3-compatible remote when one is configured.
type Exporter struct {
	cfg *Config
	ui  *UI
}

func NewExporter(cfg *Config, ui *UI) *Exporter {
	return &Exporter{cfg: cfg, ui: ui}
}

// Export finishes a successful session. When no export dir is configured the
// artifacts are left in place.
func (e *Exporter) Export(contentDir, fingerprint string, logLines []string) error {
	if e.cfg.ExportDir == "" {
		e.ui.Arrowf("[Success] Output is at %s", contentDir)
		return nil
	}

	dest, err := filepath.Abs(e.cfg.ExportDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	artifacts, err := collectArtifacts(contentDir)
	if err != nil {
		return err
	}
	for _, src := range artifacts {
		if err := copyWithProgress(src, filepath.Join(dest, filepath.Base(src)), e.ui); err != nil {
			return fmt.Errorf("exporting %s: %w", src, err)
		}
	}

	if len(logLines) > 0 {
		logPath := filepath.Join(dest, "conbuilder-"+fingerprint+".log.xz")
		if err := writeCompressedLog(logPath, logLines); err != nil {
			return fmt.Errorf("writing build log: %w", err)
		}
	}

	if e.cfg.BundleFormat != "" {
		bundle := filepath.Join(dest, "conbuilder-"+fingerprint+".tar."+e.cfg.BundleFormat)
		if err := writeBundle(bundle, artifacts, e.cfg.BundleFormat); err != nil {
			return fmt.Errorf("writing bundle: %w", err)
		}
		e.ui.Arrowf("Bundled %d artifacts into %s", len(artifacts), bundle)
	}

	if e.cfg.S3Bucket != "" {
		if err := e.uploadRemote(artifacts); err != nil {
			return err
		}
	}

	e.ui.Arrowf("[Success] Exported %d artifacts to %s", len(artifacts), dest)
	return nil
}

func (e *Exporter) uploadRemote(artifacts []string) error {
	remote, err := NewRemoteStore(e.cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, src := range artifacts {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		key := filepath.Base(src)
		if err := remote.Upload(ctx, key, data); err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		e.ui.Arrowf("Uploaded %s to s3://%s", key, e.cfg.S3Bucket)
	}
	return nil
}

// collectArtifacts lists files in dir with a recognized extension, sorted.
func collectArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		for _, ext := range artifactExtensions {
			if strings.HasSuffix(name, ext) {
				out = append(out, filepath.Join(dir, name))
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// copyWithProgress copies one artifact, showing byte progress on a terminal.
func copyWithProgress(src, dest string, ui *UI) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	var w io.Writer = out
	if ui.Verbose > 0 {
		bar := progressbar.DefaultBytes(fi.Size(), filepath.Base(src))
		w = io.MultiWriter(out, bar)
	}
	_, err = io.Copy(w, in)
	return err
}

// writeCompressedLog stores the captured build output as an xz stream.
func writeCompressedLog(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(xw, strings.Join(lines, "\n")+"\n"); err != nil {
		xw.Close()
		return err
	}
	return xw.Close()
}

// writeBundle packs the artifacts into a single compressed tarball.
func writeBundle(path string, artifacts []string, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var cw io.WriteCloser
	switch format {
	case "zst":
		cw, err = zstd.NewWriter(f)
	case "gz":
		cw = pgzip.NewWriter(f)
	case "xz":
		cw, err = xz.NewWriter(f)
	default:
		return &ConfigError{Key: "BUNDLE_FORMAT", Reason: "unsupported format " + format}
	}
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)
	for _, src := range artifacts {
		if err := addToTar(tw, src); err != nil {
			tw.Close()
			cw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

func addToTar(tw *tar.Writer, src string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(src)
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "root", "root"
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
