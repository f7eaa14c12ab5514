// Package identity provides the stable machine identifier and the content
// hashes used for cross-machine deduplication.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
)

// machineIDEnv overrides the derived machine id. Useful for tests and for
// users who share a home directory across hosts.
const machineIDEnv = "OAK_MACHINE_ID"

var (
	machineIDOnce sync.Once
	machineID     string
)

// MachineID returns a privacy-preserving hash of a stable user/machine
// signature. The raw hostname and username never leave the machine; only
// the truncated hash is stamped on exported rows.
func MachineID() string {
	machineIDOnce.Do(func() {
		if v := strings.TrimSpace(os.Getenv(machineIDEnv)); v != "" {
			machineID = v
			return
		}
		host, _ := os.Hostname()
		home, _ := os.UserHomeDir()
		username := ""
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
		machineID = hashFields("machine", host, home, username)[:16]
	})
	return machineID
}

// hashFields produces a deterministic sha256 hex digest of its inputs.
// Fields are joined with a separator that cannot appear in the values'
// semantic positions, so ("a","bc") and ("ab","c") hash differently.
func hashFields(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ObservationContentHash hashes the semantically-significant fields of an
// observation. Identical observations extracted on two machines dedup to a
// single row at backup-import time.
func ObservationContentHash(observation, memoryType, context, filePath string) string {
	return hashFields("obs", observation, memoryType, context, filePath)
}

// ActivityContentHash hashes the fields that identify one tool invocation.
// The timestamp is millisecond-resolution: agents can legitimately invoke
// the same tool with the same input twice within one second, and those must
// stay distinct rows.
func ActivityContentHash(sessionID, toolName, toolInput string, timestampUnixMs int64) string {
	return hashFields("act", sessionID, toolName, toolInput, epochString(timestampUnixMs))
}

// BatchContentHash hashes the fields that identify one prompt batch.
func BatchContentHash(sessionID string, promptNumber int, userPrompt string) string {
	return hashFields("batch", sessionID, intString(promptNumber), userPrompt)
}

// SessionContentHash hashes the fields that identify one session row.
func SessionContentHash(sessionID, agent, projectRoot string) string {
	return hashFields("session", sessionID, agent, projectRoot)
}

// ResolutionEventContentHash hashes a lifecycle transition so the same
// transition imported twice collapses to one event row.
func ResolutionEventContentHash(observationID, action, resolvedBySessionID, supersededBy string) string {
	return hashFields("resolution", observationID, action, resolvedBySessionID, supersededBy)
}

// SystemPromptHash hashes an agent run's rendered system prompt for change
// detection across runs.
func SystemPromptHash(prompt string) string {
	return hashFields("sysprompt", prompt)[:32]
}

func epochString(v int64) string { return strconv.FormatInt(v, 10) }

func intString(v int) string { return strconv.Itoa(v) }
