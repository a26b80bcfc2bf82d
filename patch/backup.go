package patch

import (
	"context"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/pyrepack/internal/file"
)

// WriteBackup stores a zstd-compressed copy of src at dst.
func WriteBackup(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		out.Close()
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := file.CopyWithContext(ctx, enc, in, make([]byte, file.CopyBufferSize)); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// RestoreBackup decompresses a backup written by WriteBackup over dst,
// keeping the permission bits of the existing file if there is one.
func RestoreBackup(ctx context.Context, backup, dst string) error {
	in, err := os.Open(backup)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	mode := os.FileMode(0o755)
	if info, err := os.Stat(dst); err == nil {
		mode = info.Mode().Perm()
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := file.CopyWithContext(ctx, out, dec, make([]byte, file.CopyBufferSize)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
