// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package zocalo holds the configuration and channel vocabulary
// shared by all processing services.
package zocalo

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known transport destinations.
const (
	QueueProcessingRecipe  = "processing_recipe"
	QueueISPyB             = "ispyb"
	QueueMimas             = "mimas"
	QueueClusterSubmission = "cluster.submission"
	QueueJobSubmitted      = "job_submitted"
	QueueStatisticsCluster = "statistics.cluster"
	TopicStatus            = "transient.status"
	TopicStatisticsCluster = "transient.statistics.cluster"
)

type ServiceName string

const (
	ServiceNameDispatcher        ServiceName = "dispatcher"
	ServiceNameMimas             ServiceName = "mimas"
	ServiceNameClusterSubmission ServiceName = "cluster-submission"
	ServiceNameClusterMonitor    ServiceName = "cluster-monitor"
)

type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	// Token required to access /metrics and /_health endpoints.
	ManagementToken string
	// True when running against production resources. Affects
	// logbook and temporary path handling.
	Live bool

	Services  map[ServiceName]Service
	Transport TransportConfig
	Recipes   RecipesConfig
	ISPyB     ISPyBConfig

	Dispatcher        DispatcherConfig
	Mimas             MimasConfig
	ClusterSubmission ClusterSubmissionConfig
	Monitor           MonitorConfig

	// Scheduler clusters by name. The entry "*" supplies
	// defaults for every other entry.
	Clusters map[string]ClusterConfig
}

type Service struct {
	// Management API listen address, e.g. ":9290". Empty
	// disables the management API.
	Listen string
}

type TransportConfig struct {
	// "stomp" or "loopback"
	Driver string
	Stomp  StompConfig
}

type StompConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	VHost     string
	Prefix    string
	HeartBeat Duration
	// Maximum number of unacknowledged messages per subscription.
	Prefetch int
}

type RecipesConfig struct {
	BasePath  string
	CacheSize int
	// Invalidate cached recipes when files change on disk.
	Watch bool
}

type ISPyBConfig struct {
	// PostgreSQL connection string, e.g.
	// "host=db user=zocalo dbname=ispyb sslmode=disable". Empty
	// disables database lookups.
	DSN             string
	MaxOpenConns    int
	QueryTimeout    Duration
	DefaultRecipes  map[string][]string
	DefaultPipeline string
}

type DispatcherConfig struct {
	Queue string
	// Directory for per-request message archives. Empty
	// disables the logbook.
	Logbook string
	// Readiness budget when a message does not set
	// dispatcher_timeout.
	DefaultTimeout Duration
	RetryDelay     Duration
	// Number of recently started correlation ids remembered for
	// duplicate suppression.
	DedupCacheSize int
}

type MimasConfig struct {
	Queue             string
	MaxJobsWaiting    map[string]int
	StatisticsTimeout Duration
	S3EchoQuota       float64
	Cloudburst        []CloudburstRule
}

// CloudburstRule selects scenarios whose jobs may be moved to the
// cloud cluster while cloudbursting is active.
type CloudburstRule struct {
	Beamlines     []string
	VisitPrefixes []string
	Recipes       []string
}

type ClusterSubmissionConfig struct {
	Queue string
	// Scheduler used when a submission does not name one.
	DefaultScheduler string
	// Reject start-up if these files exist and are non-empty.
	ForbiddenRequestFiles []string
	// Non-live deployments rewrite this prefix to a per-user
	// location.
	SharedTmpPrefix string
}

type ClusterConfig struct {
	// "grid_engine", "slurm" or "htcondor"
	Scheduler string
	// Environment module loaded before qsub (grid engine)
	Module string
	// Priority labels mapped to native queue names (grid engine)
	QueueMap map[string]string
	// Accounts that may not submit to this cluster
	ForbiddenAccounts []string
	// Accounts granted when none is given
	DefaultAccount string
	// Slurm REST base URL and API version
	URL        string
	APIVersion string
	// Slurm user and token (or file holding the token)
	User      string
	Token     string
	TokenFile string
	// Embed the recipe wrapper in the job script instead of
	// relying on a shared filesystem.
	EmbedWrapper bool
	Partition    string
	Timeout      Duration
	// Include in periodic monitoring
	Monitor bool
	// Job owner whose jobs are counted by the monitor
	MonitorUser string
	// Cluster name used in published statistics, if not the
	// same as the configured name
	StatisticName string
}

type MonitorConfig struct {
	Interval  Duration
	Timeout   Duration
	WarnAfter Duration
	Jolokia   struct {
		URL      string
		Username string
		Password string
	}
	S3 struct {
		Cluster   string
		Endpoint  string
		Region    string
		AccessKey string
		SecretKey string
		Buckets   []string
	}
	HTCondor struct {
		Cluster string
		Owner   string
	}
}

// TokenValue returns the configured Slurm token, reading TokenFile
// if Token is empty.
func (cc ClusterConfig) TokenValue() (string, error) {
	if cc.Token != "" || cc.TokenFile == "" {
		return cc.Token, nil
	}
	buf, err := os.ReadFile(cc.TokenFile)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return string(trimNewline(buf)), nil
}

func trimNewline(buf []byte) []byte {
	for len(buf) > 0 && (buf[len(buf)-1] == '\n' || buf[len(buf)-1] == '\r') {
		buf = buf[:len(buf)-1]
	}
	return buf
}

// RecipePath returns the file name for the named recipe.
func (rc RecipesConfig) RecipePath(name string) string {
	return filepath.Join(rc.BasePath, name+".json")
}
