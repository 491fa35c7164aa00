package twinmanager

import (
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/dustin/go-humanize"

	"twingate/edge-gateway/internal/model"
)

const (
	maxPatchBytes  = 8 * 1024
	maxMergedBytes = 32 * 1024
	maxDepth       = 5
	maxVersion     = (1 << 31) - 1
)

// validatePatch enforces spec §6's reported-patch validation rules:
// size, nesting depth, and key syntax. $metadata subtrees are opaque
// to the key-syntax and depth checks — they carry their own
// $lastUpdated/$lastUpdatedVersion leaves, not user properties.
func validatePatch(patch model.Collection) error {
	raw, err := json.Marshal(patch.Properties)
	if err != nil {
		return fmt.Errorf("encode reported patch: %w", err)
	}
	if len(raw) > maxPatchBytes {
		return fmt.Errorf("reported patch is %s, exceeds the %s limit",
			humanize.Bytes(uint64(len(raw))), humanize.Bytes(maxPatchBytes))
	}

	if d := maxKeyDepth(patch.Properties, 0); d > maxDepth {
		return fmt.Errorf("reported patch nesting depth %d exceeds the limit of %d", d, maxDepth)
	}

	if err := validateKeys(patch.Properties); err != nil {
		return err
	}

	if patch.Version > maxVersion {
		return fmt.Errorf("reported patch version %d exceeds the maximum of %d", patch.Version, maxVersion)
	}

	return nil
}

// validateMergedSize enforces the post-merge 32 KiB ceiling.
func validateMergedSize(merged model.Collection) error {
	raw, err := json.Marshal(merged.Properties)
	if err != nil {
		return fmt.Errorf("encode merged reported state: %w", err)
	}
	if len(raw) > maxMergedBytes {
		return fmt.Errorf("merged reported state is %s, exceeds the %s limit",
			humanize.Bytes(uint64(len(raw))), humanize.Bytes(maxMergedBytes))
	}
	return nil
}

// validateReportedVersion enforces §6(e)'s version ceiling against the
// store-assigned reported.version, the load-bearing version for the
// reported side (patch.Version is client-supplied and merely echoed).
func validateReportedVersion(version int64) error {
	if version > maxVersion {
		return fmt.Errorf("reported version %d exceeds the maximum of %d", version, maxVersion)
	}
	return nil
}

func maxKeyDepth(props map[string]interface{}, depth int) int {
	deepest := depth
	for k, v := range props {
		if k == "$metadata" {
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			if d := maxKeyDepth(sub, depth+1); d > deepest {
				deepest = d
			}
		}
	}
	return deepest
}

func validateKeys(props map[string]interface{}) error {
	for k, v := range props {
		if k == "$metadata" {
			continue
		}
		if len(k) > 0 && k[0] == '$' {
			return fmt.Errorf("reported patch key %q must not start with $", k)
		}
		if containsInvalidChar(k) {
			return fmt.Errorf("reported patch key %q contains an invalid character", k)
		}
		if sub, ok := v.(map[string]interface{}); ok {
			if err := validateKeys(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsInvalidChar(k string) bool {
	for _, r := range k {
		if r == '.' || r == '$' || r == ' ' || unicode.IsControl(r) {
			return true
		}
	}
	return false
}
