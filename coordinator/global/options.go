package global

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mason-leap-lab/go-utils/config"
)

var (
	ErrNoService      = errors.New("a service name is required")
	ErrUpgradeVersion = errors.New("upgrade version must be greater than the running version")
	ErrCreateUpgrade  = errors.New("a new service cannot be upgraded")
)

// Options Command line options of the coordinator.
type Options struct {
	config.LoggerOptions

	Service        string `name:"service" description:"Name of the service this coordinator makes immortal."`
	Shard          int64  `name:"shard" description:"Shard of the service."`
	Port           int    `name:"port" description:"Port peers connect to."`
	LocalPort      int    `name:"local-port" description:"Port the local service connects to."`
	Address        string `name:"address" description:"Address peers reach this instance at. Defaults to the private ip and port."`
	LogDir         string `name:"log-dir" description:"Directory of logs and checkpoints."`
	Create         bool   `name:"create" description:"Start a new service instead of recovering an existing one."`
	ActiveActive   bool   `name:"active-active" description:"Follow a live primary as a secondary until promoted."`
	Version        int64  `name:"version" description:"Version of the running service."`
	UpgradeVersion int64  `name:"upgrade-version" description:"Upgrade the service to this version once recovered."`
	LogTrigger     string `name:"log-trigger" description:"Log size that triggers a checkpoint, or a rotation with --active-active, e.g. 1GB."`
	BufferSize     string `name:"buffer" description:"Size of each of the two commit buffers, e.g. 4MB."`
	Meta           string `name:"meta" description:"Path of the SQLite database shared by all instances. Metadata stays in memory if empty."`
	S3Bucket       string `name:"s3-bucket" description:"S3 bucket checkpoints are archived to."`
	S3Prefix       string `name:"s3-prefix" description:"Key prefix of archived checkpoints."`
	LeaseTTL       int    `name:"lease-ttl" description:"Seconds a lease survives without renewal."`
	CheckInterval  int    `name:"check-interval" description:"Seconds between checks of the log size."`
	Collect        string `name:"collect" description:"Prefix of the statistics file. Disabled if empty."`
	NoColor        bool   `name:"no-color" description:"Print logs without color."`

	// Internal
	LogTriggerBytes int64
	BufferBytes     int
}

// DefaultOptions Options before the command line is applied.
func DefaultOptions() *Options {
	return &Options{
		Port:          BasePort,
		LocalPort:     BasePort + 1,
		LogDir:        ".",
		LogTrigger:    "1GB",
		BufferSize:    "4MB",
		LeaseTTL:      10,
		CheckInterval: 5,
	}
}

// Validate validates options
func (opts *Options) Validate() error {
	if opts.Service == "" {
		return ErrNoService
	}
	if opts.UpgradeVersion != 0 {
		if opts.Create {
			return ErrCreateUpgrade
		} else if opts.UpgradeVersion <= opts.Version {
			return ErrUpgradeVersion
		}
	}

	trigger, err := humanize.ParseBytes(opts.LogTrigger)
	if err != nil {
		return fmt.Errorf("invalid log trigger %q: %v", opts.LogTrigger, err)
	}
	opts.LogTriggerBytes = int64(trigger)
	buffer, err := humanize.ParseBytes(opts.BufferSize)
	if err != nil {
		return fmt.Errorf("invalid buffer size %q: %v", opts.BufferSize, err)
	}
	opts.BufferBytes = int(buffer)

	if opts.Address == "" {
		opts.Address = fmt.Sprintf("%s:%d", ServerIp, opts.Port)
	}
	return nil
}

func (opts *Options) LeaseDuration() time.Duration {
	return time.Duration(opts.LeaseTTL) * time.Second
}

func (opts *Options) CheckDuration() time.Duration {
	return time.Duration(opts.CheckInterval) * time.Second
}
