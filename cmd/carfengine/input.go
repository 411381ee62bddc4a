package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"carfengine/internal/ingest"
)

// Input formats accepted on -format.
const (
	formatRaw           = "raw"
	formatBlockbook     = "blockbook"
	formatBlockchainCom = "blockchaincom"
)

const maxLineBytes = 4 << 20

// readRecords reads one JSON document per line. Lines that do not decode
// are logged by line number and skipped, like any other invalid record.
func readRecords(ctx context.Context, r io.Reader, format string, log *slog.Logger) ([]ingest.RawTransaction, error) {
	decode, err := decoderFor(format)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []ingest.RawTransaction
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		records, err := decode(raw)
		if err != nil {
			log.WarnContext(ctx, "skipping undecodable input line", "line", line, "error", err)
			continue
		}
		out = append(out, records...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return out, nil
}

func decoderFor(format string) (func([]byte) ([]ingest.RawTransaction, error), error) {
	switch format {
	case formatRaw, "":
		return func(b []byte) ([]ingest.RawTransaction, error) {
			var tx ingest.RawTransaction
			if err := json.Unmarshal(b, &tx); err != nil {
				return nil, err
			}
			return []ingest.RawTransaction{tx}, nil
		}, nil
	case formatBlockbook:
		return func(b []byte) ([]ingest.RawTransaction, error) {
			var tx ingest.BlockbookTx
			if err := json.Unmarshal(b, &tx); err != nil {
				return nil, err
			}
			return ingest.FromBlockbook(tx)
		}, nil
	case formatBlockchainCom:
		return func(b []byte) ([]ingest.RawTransaction, error) {
			var tx ingest.BlockchainComTx
			if err := json.Unmarshal(b, &tx); err != nil {
				return nil, err
			}
			return ingest.FromBlockchainCom(tx)
		}, nil
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
}
