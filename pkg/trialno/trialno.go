// Package trialno implements trial-number zero-padding (C2): the store's
// sort keys depend on zero-padded decimal strings sorting lexicographically
// in the same order as the numbers they represent.
package trialno

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
)

// SuccessPrefix and FailedPrefix are the sort-key namespaces a trial number
// lives under once an evaluation or score record has been persisted.
const (
	SuccessPrefix = "Success#"
	FailedPrefix  = "Failed#"
)

// ZFill renders n as a decimal string padded with leading zeros to width
// digits. It returns ErrWidthOverflow if n's decimal representation is
// already wider than width, since truncating would silently corrupt sort
// order.
func ZFill(n, width int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("trialno: negative trial number %d", n)
	}
	s := strconv.Itoa(n)
	if len(s) > width {
		return "", opthuberr.ErrWidthOverflow
	}
	return strings.Repeat("0", width-len(s)) + s, nil
}

// SuccessKey returns the sort-key value for a successful trial.
func SuccessKey(zfilled string) string { return SuccessPrefix + zfilled }

// FailedKey returns the sort-key value for a failed trial.
func FailedKey(zfilled string) string { return FailedPrefix + zfilled }
