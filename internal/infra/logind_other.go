//go:build !linux

package infra

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// NewSessionScanner is the non-Linux placeholder; session observation
// via logind only exists on Linux.
func NewSessionScanner(hostname string, usernames []string, logger *zap.Logger) (domain.Scanner, error) {
	return nil, fmt.Errorf("logind session scanning is only available on linux")
}
