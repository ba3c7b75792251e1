// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultParallelDegree  = 16
	MaxParallelDegree      = 64
	DefaultParallelPerHost = 64
	MaxParallelPerHost     = 128
)

// Transports for commands on segment hosts.
const (
	TransportLocal = "local"
	TransportPod   = "pod"
	TransportSSH   = "ssh"
)

// Keys of the values read through viper. Flags, environment variables
// (GPRECOVERSEG_ prefix, dashes become underscores) and a config file all
// use these names.
const (
	KeyGPHome                   = "gphome"
	KeyCoordinatorDataDirectory = "coordinator-data-directory"
	KeyCoordinatorHost          = "coordinator-host"
	KeyCoordinatorPort          = "coordinator-port"
	KeyUser                     = "user"
	KeyLogDirectory             = "log-directory"

	KeyConfigFile             = "input"
	KeyNewHosts               = "new-hosts"
	KeyOutputSampleConfigFile = "output"
	KeyForceFull              = "full"
	KeyDifferential           = "differential"
	KeyParallelDegree         = "parallel-degree"
	KeyParallelPerHost        = "parallel-per-host"
	KeyForceOverwrite         = "force-overwrite"

	KeyNoProgress = "no-progress"
	KeySequential = "sequential"
	KeyQuiet      = "quiet"
	KeyVerbose    = "verbose"

	KeyFeatureGates = "feature-gates"

	KeyTransport           = "transport"
	KeySSHUser             = "ssh-user"
	KeySSHPort             = "ssh-port"
	KeySSHIdentityFile     = "ssh-identity-file"
	KeySSHKnownHosts       = "ssh-known-hosts"
	KeyKubernetesNamespace = "kube-namespace"
	KeyKubernetesContainer = "kube-container"
)

// SSH configures the transport to segment hosts over SSH.
type SSH struct {
	User         string
	Port         int
	IdentityFile string
	KnownHosts   string
}

// Kubernetes configures the transport to segment hosts that are Pods. The
// hostname of a segment is the name of its Pod.
type Kubernetes struct {
	Namespace string
	Container string
}

// Options is everything a recovery run needs to know about its environment.
// It is built once at startup and passed to the components that need it.
type Options struct {
	GPHome                   string
	CoordinatorDataDirectory string
	CoordinatorHost          string
	CoordinatorPort          int
	User                     string
	LogDirectory             string
	ProgramName              string

	ConfigFile             string
	NewHosts               []string
	OutputSampleConfigFile string
	ForceFull              bool
	Differential           bool
	ParallelDegree         int
	ParallelPerHost        int
	ForceOverwrite         bool

	ShowProgress bool
	Sequential   bool
	Quiet        bool
	Verbose      bool

	FeatureGates string

	Transport  string
	SSH        SSH
	Kubernetes Kubernetes
}

// defaultFromEnv reads the environment variable key when value is empty.
func defaultFromEnv(value, key string) string {
	if value == "" {
		return os.Getenv(key)
	}
	return value
}

// AddFlags defines on flags every option that can be set on the command line.
func AddFlags(flags *pflag.FlagSet) {
	flags.String(KeyGPHome, "", "installation directory of the cluster software on every host (default $GPHOME)")
	flags.StringP(KeyCoordinatorDataDirectory, "d", "", "coordinator data directory (default $COORDINATOR_DATA_DIRECTORY)")
	flags.String(KeyCoordinatorHost, "localhost", "coordinator host")
	flags.Int(KeyCoordinatorPort, 0, "coordinator port (default $PGPORT or 5432)")
	flags.StringP(KeyUser, "U", "", "database user (default $PGUSER or current user)")
	flags.StringP(KeyLogDirectory, "l", "", "log directory on every host (default $HOME/gpAdminLogs)")

	flags.StringP(KeyConfigFile, "i", "", "recovery configuration file")
	flags.StringP(KeyNewHosts, "p", "", "comma separated spare hosts to which to recover segments")
	flags.StringP(KeyOutputSampleConfigFile, "o", "", "sample configuration file to write; pass it to a later run with -i")
	flags.BoolP(KeyForceFull, "F", false, "force full segment resynchronization")
	flags.Bool(KeyDifferential, false, "differential segment resynchronization")
	flags.IntP(KeyParallelDegree, "B", DefaultParallelDegree,
		"max number of hosts to operate on in parallel; valid values are 1-"+strconv.Itoa(MaxParallelDegree))
	flags.IntP(KeyParallelPerHost, "b", DefaultParallelPerHost,
		"max number of segments per host to operate on in parallel; valid values are 1-"+strconv.Itoa(MaxParallelPerHost))
	flags.Bool(KeyForceOverwrite, true, "let the segment host agents overwrite target data directories")

	flags.Bool(KeyNoProgress, false, "suppress recovery progress output")
	flags.BoolP(KeySequential, "s", false, "show recovery progress sequentially instead of in place")
	flags.BoolP(KeyQuiet, "q", false, "quiet mode; do not show progress")
	flags.BoolP(KeyVerbose, "v", false, "debug output")

	flags.String(KeyFeatureGates, "", "comma separated list of feature=bool")

	flags.String(KeyTransport, TransportSSH, "how commands reach segment hosts: ssh, pod or local")
	flags.String(KeySSHUser, "", "SSH user (default current user)")
	flags.Int(KeySSHPort, 22, "SSH port")
	flags.String(KeySSHIdentityFile, "", "SSH private key (default $HOME/.ssh/id_rsa)")
	flags.String(KeySSHKnownHosts, "", "SSH known_hosts file (default $HOME/.ssh/known_hosts)")
	flags.String(KeyKubernetesNamespace, "", "namespace of segment Pods")
	flags.String(KeyKubernetesContainer, "", "container of segment Pods that runs the database")
}

// NewViper returns a viper that reads GPRECOVERSEG_ environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("gprecoverseg")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads Options from v, filling what is missing from the standard
// environment of the cluster software.
func Load(v *viper.Viper) (*Options, error) {
	home, _ := os.UserHomeDir()

	o := &Options{
		GPHome:                   defaultFromEnv(v.GetString(KeyGPHome), "GPHOME"),
		CoordinatorDataDirectory: defaultFromEnv(v.GetString(KeyCoordinatorDataDirectory), "COORDINATOR_DATA_DIRECTORY"),
		CoordinatorHost:          v.GetString(KeyCoordinatorHost),
		CoordinatorPort:          v.GetInt(KeyCoordinatorPort),
		User:                     defaultFromEnv(v.GetString(KeyUser), "PGUSER"),
		LogDirectory:             v.GetString(KeyLogDirectory),
		ProgramName:              filepath.Base(os.Args[0]),

		ConfigFile:             v.GetString(KeyConfigFile),
		OutputSampleConfigFile: v.GetString(KeyOutputSampleConfigFile),
		ForceFull:              v.GetBool(KeyForceFull),
		Differential:           v.GetBool(KeyDifferential),
		ParallelDegree:         v.GetInt(KeyParallelDegree),
		ParallelPerHost:        v.GetInt(KeyParallelPerHost),
		ForceOverwrite:         v.GetBool(KeyForceOverwrite),

		ShowProgress: !v.GetBool(KeyNoProgress),
		Sequential:   v.GetBool(KeySequential),
		Quiet:        v.GetBool(KeyQuiet),
		Verbose:      v.GetBool(KeyVerbose),

		FeatureGates: v.GetString(KeyFeatureGates),

		Transport: v.GetString(KeyTransport),
		SSH: SSH{
			User:         v.GetString(KeySSHUser),
			Port:         v.GetInt(KeySSHPort),
			IdentityFile: v.GetString(KeySSHIdentityFile),
			KnownHosts:   v.GetString(KeySSHKnownHosts),
		},
		Kubernetes: Kubernetes{
			Namespace: v.GetString(KeyKubernetesNamespace),
			Container: v.GetString(KeyKubernetesContainer),
		},
	}

	if v.IsSet(KeyNewHosts) {
		o.NewHosts = ParseHosts(v.GetString(KeyNewHosts))
	}

	if o.CoordinatorDataDirectory == "" {
		o.CoordinatorDataDirectory = os.Getenv("MASTER_DATA_DIRECTORY")
	}
	if o.CoordinatorHost == "" {
		o.CoordinatorHost = "localhost"
	}
	if o.CoordinatorPort == 0 {
		if port, err := strconv.Atoi(os.Getenv("PGPORT")); err == nil {
			o.CoordinatorPort = port
		} else {
			o.CoordinatorPort = 5432
		}
	}
	if o.LogDirectory == "" {
		o.LogDirectory = filepath.Join(home, "gpAdminLogs")
	}
	if o.ProgramName == "" || o.ProgramName == "." {
		o.ProgramName = "gprecoverseg"
	}
	if o.SSH.IdentityFile == "" && home != "" {
		o.SSH.IdentityFile = filepath.Join(home, ".ssh", "id_rsa")
	}
	if o.SSH.KnownHosts == "" && home != "" {
		o.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}

	return o, o.Validate()
}

// ParseHosts splits a comma separated list of hostnames. Hosts are trimmed
// and only the first occurrence of each is kept.
func ParseHosts(s string) []string {
	hosts := []string{}
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Validate returns an error when the combination of options cannot be run.
func (o *Options) Validate() error {
	if o.ParallelDegree < 1 || o.ParallelDegree > MaxParallelDegree {
		return errors.Errorf("Invalid parallelDegree value provided with -B argument: %d", o.ParallelDegree)
	}
	if o.ParallelPerHost < 1 || o.ParallelPerHost > MaxParallelPerHost {
		return errors.Errorf("Invalid parallelPerHost value provided with -b argument: %d", o.ParallelPerHost)
	}
	if o.NewHosts != nil && o.ConfigFile != "" {
		return errors.New("Only one of -i and -p may be specified")
	}
	if o.NewHosts != nil && len(o.NewHosts) == 0 {
		return errors.New("Invalid value for recover hosts: no hosts given")
	}
	if o.NewHosts != nil && o.Differential {
		return errors.New("Only one of -p and --differential may be specified")
	}
	if o.ForceFull && o.Differential {
		return errors.New("Only one of -F and --differential may be specified")
	}
	if o.Differential && o.OutputSampleConfigFile != "" {
		return errors.New("Invalid -o provided with --differential argument")
	}
	if o.CoordinatorDataDirectory == "" {
		return errors.New("Environment Variable COORDINATOR_DATA_DIRECTORY not set!")
	}

	switch o.Transport {
	case TransportLocal, TransportSSH:
	case TransportPod:
		if o.Kubernetes.Namespace == "" {
			return errors.Errorf("--%s is required with --%s=%s",
				KeyKubernetesNamespace, KeyTransport, TransportPod)
		}
	default:
		return errors.Errorf("Invalid --%s value: %q", KeyTransport, o.Transport)
	}
	return nil
}
