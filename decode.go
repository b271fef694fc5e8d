package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/hook-recorder/config"
	"github.com/jnesss/hook-recorder/event"
	"github.com/jnesss/hook-recorder/types"
)

func newDecodeCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode a dump of raw records",
		Long: `Decode reads a file of back-to-back raw records of the configured
schema and prints one line per record. Records that fail to decode are
reported and skipped.`,
		Args: cobra.ExactArgs(1),
	}
	return withConfig(cmd, load, func(cmd *cobra.Command, cfg config.Config, log *zap.Logger, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		n, bad, err := decodeDump(f, cfg.ParsedSchema(), cmd.OutOrStdout(), time.Unix(0, 0).UTC(), log)
		if err != nil {
			return err
		}
		log.Info("Decoded dump", zap.String("file", args[0]), zap.Int("records", n), zap.Int("errors", bad))
		return nil
	})
}

// decodeDump decodes fixed-size records from r until EOF. Timestamps are
// printed relative to boot. A trailing partial record is an error.
func decodeDump(r io.Reader, schema types.Schema, w io.Writer, boot time.Time, log *zap.Logger) (decoded, failed int, err error) {
	dec := event.NewDecoder(schema)
	buf := make([]byte, dec.Size())
	for {
		_, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			return decoded, failed, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return decoded, failed, fmt.Errorf("record %d: %w", decoded+failed, event.ErrRecordSize)
		}
		if err != nil {
			return decoded, failed, err
		}

		rec, err := dec.Decode(buf)
		if err != nil {
			failed++
			log.Warn("Error decoding record", zap.Int("index", decoded+failed-1), zap.Error(err))
			continue
		}
		decoded++
		if _, err := io.WriteString(w, formatRecord(rec, rec.Meta().Time(boot))+"\n"); err != nil {
			return decoded, failed, err
		}
	}
}
