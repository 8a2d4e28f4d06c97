package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Payload is an archive found while scanning a directory
type Payload struct {
	Path string
	Type Type
	Size int64
}

// Scan recursively scans dir for payload archives
func Scan(ctx context.Context, dir string) ([]Payload, error) {
	var payloads []Payload

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if info.IsDir() {
			return nil
		}

		t, err := DetectType(path)
		if err != nil {
			logrus.Warnf("Failed to detect type for %s: %v", path, err)
			return nil
		}
		if t == TypeUnknown {
			return nil
		}

		logrus.Debugf("Found %s payload: %s", t, path)
		payloads = append(payloads, Payload{Path: path, Type: t, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	logrus.Infof("Found %d payloads in %s", len(payloads), dir)
	return payloads, nil
}
