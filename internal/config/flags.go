package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"
)

// bind registers the shared flags onto fs, writing into c.
func bind(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.ReadDir, "read-dir", c.ReadDir, "directory the peer writes segments into")
	fs.StringVar(&c.WriteDir, "write-dir", c.WriteDir, "directory segments are written to for the peer")
	fs.IntVar(&c.FlushSize, "flush-size", c.FlushSize, "buffered bytes that force a segment out")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "maximum bytes per connection read")
	fs.DurationVar(&c.ReadyPoll, "ready-poll", c.ReadyPoll, "idle read time before a partial buffer is flushed")
	fs.DurationVar(&c.SegmentPoll, "segment-poll", c.SegmentPoll, "interval between checks for the next segment")
	fs.DurationVar(&c.Liveness, "liveness-timeout", c.Liveness, "abandon a session after waiting this long for a segment")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "pause before retrying a failed filesystem call")
	fs.DurationVar(&c.DeleteInterval, "delete-interval", c.DeleteInterval, "interval between deletion passes")
	fs.DurationVar(&c.Grace, "shutdown-grace", c.Grace, "time allowed for EOF and cleanup writes after shutdown")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics and health listen address (empty disables)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	switch c.Role {
	case Responder:
		fs.DurationVar(&c.ScanInterval, "scan-interval", c.ScanInterval, "interval between read directory scans")
		fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "upstream dial timeout")
		fs.StringVar(&c.Redis.Addr, "redis", c.Redis.Addr, "redis address for a shared admission set (empty = in-memory)")
		fs.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "redis password")
		fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database")
		fs.DurationVar(&c.Redis.TTL, "redis-ttl", c.Redis.TTL, "lifetime of an unreleased shared admission")
	default:
		fs.IntVar(&c.RateLimit.Global, "rate-global", c.RateLimit.Global, "new sessions per second in total (0 = unlimited)")
		fs.IntVar(&c.RateLimit.PerSource, "rate-source", c.RateLimit.PerSource, "new sessions per second per source host (0 = unlimited)")
		fs.IntVar(&c.RateLimit.Burst, "rate-burst", c.RateLimit.Burst, "rate limiter burst size")
	}
}

// Parse builds the configuration for role from args: defaults, then the
// file named by -config, then explicitly given flags, then the positional
// <host> <port>.
func Parse(role Role, args []string, usage string, out io.Writer) (Config, error) {
	var path string

	// first pass only looks for -config
	scan := Defaults(role)
	pre := flag.NewFlagSet(string(role), flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.StringVar(&path, "config", "", "")
	bind(pre, &scan)
	_ = pre.Parse(args)

	c := Defaults(role)
	if path != "" {
		if err := LoadFile(path, &c); err != nil {
			return Config{}, err
		}
	}

	fs := flag.NewFlagSet(string(role), flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&path, "config", path, "YAML config file")
	bind(fs, &c)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "%s\nUsage of %s:\n", usage, role)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 2:
		c.Host = rest[0]
		port, err := strconv.ParseUint(rest[1], 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("%w: port must be uint16: %q", ErrInvalid, rest[1])
		}
		c.Port = uint16(port)
	default:
		fs.Usage()
		return Config{}, fmt.Errorf("%w: expected <host> <port>", ErrInvalid)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
