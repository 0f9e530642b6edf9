package pe

import (
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Config collects the LAMELLAR_* environment variables of spec §6,
// parsed once at World construction. Grounded on the teacher's
// os.Getenv+parse+default idiom (cmn/rom.go style, trimmed from the pack
// but the same shape recurs across every aistore env-driven default).
type Config struct {
	Threads                int           // LAMELLAR_THREADS
	BarrierDisseminationN  int           // LAMELLAR_BARRIER_DISSEMINATION_FACTOR
	MemSize                int64         // LAMELLAR_MEM_SIZE (bytes)
	DeadlockTimeout        time.Duration // LAMELLAR_DEADLOCK_TIMEOUT (seconds)
	Backend                string        // LAMELLAR_BACKEND: "local" or a fabric name
}

const (
	defaultThreads         = 4
	defaultDissemination   = 2
	defaultMemSize         = 64 << 20
	defaultDeadlockTimeout = 10 * time.Second
	defaultBackend         = "local"
)

// LoadConfig reads the environment, falling back to documented defaults
// for anything unset or unparsable.
func LoadConfig() *Config {
	c := &Config{
		Threads:               envInt("LAMELLAR_THREADS", defaultThreads),
		BarrierDisseminationN: envInt("LAMELLAR_BARRIER_DISSEMINATION_FACTOR", defaultDissemination),
		MemSize:               envInt64("LAMELLAR_MEM_SIZE", defaultMemSize),
		DeadlockTimeout:       envSeconds("LAMELLAR_DEADLOCK_TIMEOUT", defaultDeadlockTimeout),
		Backend:               envStr("LAMELLAR_BACKEND", defaultBackend),
	}
	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.BarrierDisseminationN < 1 {
		c.BarrierDisseminationN = 1
	}
	return c
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// DebugString renders the resolved config as JSON for a single startup
// log line (debug builds only; see cmn/debug.ON).
func (c *Config) DebugString() string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(c)
	if err != nil {
		return "<config marshal error>"
	}
	return string(b)
}
