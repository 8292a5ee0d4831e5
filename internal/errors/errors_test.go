// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindNoRoute, "no peer for destination")
	if GetKind(err) != KindNoRoute {
		t.Errorf("expected KindNoRoute, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsKind(t *testing.T) {
	err := New(KindAuthFailure, "frame failed authentication")
	if !IsKind(err, KindAuthFailure) {
		t.Error("expected IsKind to match KindAuthFailure")
	}
	if IsKind(err, KindRateLimited) {
		t.Error("expected IsKind not to match KindRateLimited")
	}
	if IsKind(errors.New("std error"), KindAuthFailure) {
		t.Error("expected IsKind false for std error")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindMalformed:   "malformed",
		KindRateLimited: "rate_limited",
		KindNoRoute:     "no_route",
		KindAuthFailure: "auth_failure",
		KindExhausted:   "exhausted",
		KindUnknown:     "unknown",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindValidation, "invalid input")
	err = Attr(err, "field", "listen_port")
	err = Attr(err, "value", 51820)

	attrs := GetAttributes(err)
	if attrs["field"] != "listen_port" {
		t.Errorf("expected listen_port, got %v", attrs["field"])
	}
	if attrs["value"] != 51820 {
		t.Errorf("expected 51820, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "load_config")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "listen_port" || allAttrs["operation"] != "load_config" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
