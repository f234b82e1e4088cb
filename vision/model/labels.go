package model

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ReadLabels reads one class label per line. Blank lines are skipped; the remaining lines give
// the class index order.
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "cannot open label file")
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if label := strings.TrimSpace(scanner.Text()); label != "" {
			labels = append(labels, label)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "cannot read label file %q", path)
	}
	if len(labels) == 0 {
		return nil, errors.Errorf("label file %q has no labels", path)
	}
	return labels, nil
}
