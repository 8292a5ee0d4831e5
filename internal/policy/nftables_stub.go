// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package policy

import (
	"grimm.is/flygate/internal/errors"
	"grimm.is/flygate/internal/logging"
)

// NftablesBackend is only available on Linux.
type NftablesBackend struct{}

// NewNftablesBackend is a stub for non-Linux platforms.
func NewNftablesBackend(logger *logging.Logger) (*NftablesBackend, error) {
	return nil, errors.New(errors.KindUnavailable, "nftables enforcement requires linux")
}

func (b *NftablesBackend) InstallRule(r Rule) error {
	return errors.New(errors.KindUnavailable, "nftables enforcement requires linux")
}

func (b *NftablesBackend) RemoveRule(r Rule) error {
	return errors.New(errors.KindUnavailable, "nftables enforcement requires linux")
}
