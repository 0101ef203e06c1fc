package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/metrics"
	"dumpflat/internal/progress"
)

const extractBufSize = 1 << 20

// ExtractGz decompresses path (which must end in ".gz") next to itself and
// returns the output path. Progress advances by compressed bytes consumed,
// so the total is the .gz size. The output is written through a temp file
// and renamed on success. With deleteOriginal the .gz is removed afterwards.
func ExtractGz(ctx context.Context, path string, deleteOriginal bool, rep progress.Reporter) (string, error) {
	rep = progress.OrNop(rep)
	if !strings.HasSuffix(path, ".gz") {
		return "", perr.Configf("%s: not a .gz file", path)
	}
	out := strings.TrimSuffix(path, ".gz")

	in, err := os.Open(path)
	if err != nil {
		return "", perr.IO("open", path, err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return "", perr.IO("stat", path, err)
	}
	rep.Start("extract", progress.Bytes, st.Size())
	defer rep.Finish()

	zr, err := gzip.NewReader(&progressReader{r: in, rep: rep})
	if err != nil {
		return "", perr.Malformed(path, err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp(filepath.Dir(out), ".extract-*")
	if err != nil {
		return "", perr.IO("create", out, err)
	}
	tmpName := tmp.Name()
	fail := func(e error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", e
	}

	buf := make([]byte, extractBufSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, rerr := zr.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return fail(perr.IO("write", out, werr))
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(perr.Malformed(path, rerr))
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", perr.IO("close", out, err)
	}
	if err := os.Rename(tmpName, out); err != nil {
		_ = os.Remove(tmpName)
		return "", perr.IO("rename", out, err)
	}
	metrics.RecordBytes("extract", written)

	if deleteOriginal {
		if err := os.Remove(path); err != nil {
			return out, perr.IO("remove", path, err)
		}
	}
	return out, nil
}
