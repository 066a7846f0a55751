package logstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// DefaultFollowInterval is how often Follow polls a log file for new data.
const DefaultFollowInterval = 500 * time.Millisecond

// Follow tails the file at path and publishes each complete line to topic
// id. It closes the topic once the file has been drained and active reports
// false. Only one follower runs per topic; Follow returns immediately when
// another one holds it. A file that does not exist yet is waited for.
func Follow(ctx context.Context, b *Broker, id int64, path string, active func() bool, interval time.Duration) error {
	if !b.claim(id) {
		return nil
	}
	defer b.release(id)
	if interval <= 0 {
		interval = DefaultFollowInterval
	}

	var (
		f       *os.File
		r       *bufio.Reader
		partial strings.Builder
	)
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for {
		if f == nil {
			var err error
			f, err = os.Open(path)
			switch {
			case errors.Is(err, os.ErrNotExist):
				f = nil
			case err != nil:
				return err
			default:
				r = bufio.NewReader(f)
			}
		}

		if r != nil {
			for {
				chunk, err := r.ReadString('\n')
				partial.WriteString(chunk)
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				b.Publish(id, strings.TrimRight(partial.String(), "\r\n"))
				partial.Reset()
			}
		}

		// Checked after draining so the last lines written before the run
		// stopped are still published.
		if !active() {
			if partial.Len() > 0 {
				b.Publish(id, partial.String())
			}
			b.Close(id)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Lines returns the complete content of the log file at path split into
// lines. A missing file has no lines.
func Lines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
