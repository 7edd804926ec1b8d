package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"

	"github.com/amacisaac222/toolgate/pkg/models"
)

// ServeStdio runs the newline-delimited JSON-RPC loop (spec.md §6's stdio
// transport): one JSON object per line on r, one reply per line on w, all
// diagnostics on logger. The stdio transport is single-reader — one line is
// fully dispatched before the next is read — matching §5's "single-reader"
// scheduling note; concurrency across requests is the HTTP front end's job.
func (d *Dispatcher) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, logger *log.Logger, principal models.Principal) error {
	reader := bufio.NewScanner(r)
	reader.Buffer(make([]byte, 0, 64*1024), 1<<20)
	writer := bufio.NewWriter(w)

	for reader.Scan() {
		line := reader.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := decodeRequest(line)
		if err != nil {
			if writeErr := writeStdioResponse(writer, errorResponse(nil, CodeParseError, "invalid JSON")); writeErr != nil {
				return writeErr
			}
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			if writeErr := writeStdioResponse(writer, errorResponse(req.ID, CodeInvalidRequest, "invalid request")); writeErr != nil {
				return writeErr
			}
			continue
		}

		resp := d.Dispatch(ctx, principal, req)
		if resp == nil {
			continue
		}
		if err := writeStdioResponse(writer, resp); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		logger.Printf("stdio read error: %v", err)
		return err
	}
	return nil
}

func writeStdioResponse(w *bufio.Writer, resp *Response) error {
	if resp.JSONRPC == "" {
		resp.JSONRPC = "2.0"
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
