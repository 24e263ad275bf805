// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/zocalo-go/zocalo/lib/zerr"
	"github.com/zocalo-go/zocalo/sdk/go/zocalo"
)

// Slurm talks to a Slurm REST API server.
type Slurm struct {
	Name   string
	Config zocalo.ClusterConfig
	logger logrus.FieldLogger
	client *retryablehttp.Client
}

func NewSlurm(name string, cc zocalo.ClusterConfig, logger logrus.FieldLogger) *Slurm {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.CheckRetry = checkRetry
	client.Logger = leveledLogger{logger.WithField("Cluster", name)}
	if t := cc.Timeout.Duration(); t > 0 {
		client.HTTPClient.Timeout = t
	}
	return &Slurm{Name: name, Config: cc, logger: logger, client: client}
}

// checkRetry does not repeat a submission the server has answered,
// since the job may have been queued.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.Request != nil && resp.Request.Method == http.MethodPost && resp.StatusCode != http.StatusServiceUnavailable {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type leveledLogger struct {
	logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.FieldLogger
	for i := 0; i+1 < len(kv); i += 2 {
		logger = logger.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }

// Check implements Submitter.
func (sl *Slurm) Check(p *Parameters) error {
	if p.Account != "" {
		for _, bad := range sl.Config.ForbiddenAccounts {
			if p.Account == bad {
				return zerr.Validationf("account %q may not submit to cluster %s", p.Account, sl.Name)
			}
		}
	}
	if len(p.TransferInputFiles) > 0 || len(p.TransferOutputFiles) > 0 {
		return zerr.Validationf("file transfer lists are not supported by slurm cluster %s", sl.Name)
	}
	return nil
}

type slurmNumber struct {
	Number int64 `json:"number"`
	Set    bool  `json:"set"`
}

type slurmJobDesc struct {
	Account           string       `json:"account,omitempty"`
	CPUsPerTask       int          `json:"cpus_per_task,omitempty"`
	CurrentWorkingDir string       `json:"current_working_directory"`
	Environment       []string     `json:"environment"`
	Name              string       `json:"name,omitempty"`
	Nodes             string       `json:"nodes,omitempty"`
	Partition         string       `json:"partition,omitempty"`
	QoS               string       `json:"qos,omitempty"`
	Tasks             int          `json:"tasks,omitempty"`
	MemoryPerCPU      *slurmNumber `json:"memory_per_cpu,omitempty"`
	MemoryPerNode     *slurmNumber `json:"memory_per_node,omitempty"`
	TimeLimit         *slurmNumber `json:"time_limit,omitempty"`
	TresPerNode       string       `json:"tres_per_node,omitempty"`
	TresPerJob        string       `json:"tres_per_job,omitempty"`
	Shared            []string     `json:"shared,omitempty"`
}

type slurmSubmitRequest struct {
	Script string       `json:"script"`
	Job    slurmJobDesc `json:"job"`
}

type slurmError struct {
	Error       string `json:"error"`
	ErrorNumber int    `json:"error_number"`
	Description string `json:"description"`
}

type slurmSubmitResponse struct {
	JobID  int64        `json:"job_id"`
	Errors []slurmError `json:"errors"`
	// Older API versions
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

// request returns the job submission for a job.
func (sl *Slurm) request(job *Job) (*slurmSubmitRequest, error) {
	p := job.Parameters
	script := p.Commands.Script()
	if sl.Config.EmbedWrapper && job.RecipeWrapper != "" {
		wrapper, err := os.ReadFile(job.RecipeWrapper)
		if err != nil {
			return nil, zerr.Filesystemf("reading recipe wrapper: %w", err)
		}
		if len(wrapper) > 0 && wrapper[len(wrapper)-1] != '\n' {
			wrapper = append(wrapper, '\n')
		}
		script = fmt.Sprintf("#!/bin/bash\ncat > %s << 'EOF'\n%sEOF\n%s", filepath.Base(job.RecipeWrapper), wrapper, script)
	} else {
		script = "#!/bin/bash\n. /etc/profile.d/modules.sh\n" + script
	}

	var env []string
	for k, v := range p.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	if len(env) == 0 {
		// The server rejects an empty environment.
		if user := os.Getenv("USER"); user != "" {
			env = []string{"USER=" + user}
		} else {
			env = []string{"USER=" + sl.Config.User}
		}
	}

	acct := p.Account
	if acct == "" {
		acct = sl.Config.DefaultAccount
	}
	partition := p.Partition
	if partition == "" {
		partition = sl.Config.Partition
	}
	desc := slurmJobDesc{
		Account:           acct,
		CPUsPerTask:       p.CPUsPerTask,
		CurrentWorkingDir: job.WorkingDir,
		Environment:       env,
		Name:              p.JobName,
		Partition:         partition,
		QoS:               p.QoS,
		Tasks:             p.Tasks,
	}
	if p.Nodes > 0 {
		desc.Nodes = fmt.Sprint(p.Nodes)
	}
	if p.MinMemoryPerCPU > 0 {
		desc.MemoryPerCPU = &slurmNumber{Number: int64(p.MinMemoryPerCPU), Set: true}
	}
	if p.MemoryPerNode > 0 {
		desc.MemoryPerNode = &slurmNumber{Number: int64(p.MemoryPerNode), Set: true}
	}
	if p.TimeLimit > 0 {
		desc.TimeLimit = &slurmNumber{Number: int64(p.TimeLimit.Minutes()), Set: true}
	}
	if p.GPUsPerNode > 0 {
		desc.TresPerNode = fmt.Sprintf("gres/gpu:%d", p.GPUsPerNode)
	}
	if p.GPUs > 0 {
		desc.TresPerJob = fmt.Sprintf("gres/gpu:%d", p.GPUs)
	}
	if p.Exclusive {
		desc.Shared = []string{"none"}
	}
	return &slurmSubmitRequest{Script: script, Job: desc}, nil
}

func (sl *Slurm) endpoint(path string) string {
	return strings.TrimRight(sl.Config.URL, "/") + "/slurm/" + sl.Config.APIVersion + "/" + path
}

func (sl *Slurm) do(ctx context.Context, method, path string, body interface{}, resp interface{}) error {
	var reqbody interface{}
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqbody = buf
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, sl.endpoint(path), reqbody)
	if err != nil {
		return err
	}
	token, err := sl.Config.TokenValue()
	if err != nil {
		return err
	}
	req.Header.Set("X-SLURM-USER-NAME", sl.Config.User)
	req.Header.Set("X-SLURM-USER-TOKEN", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r, err := sl.client.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if r.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, r.Status, bytes.TrimSpace(buf))
	}
	if err := json.Unmarshal(buf, resp); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// Submit implements Submitter.
func (sl *Slurm) Submit(ctx context.Context, job *Job) (int64, error) {
	req, err := sl.request(job)
	if err != nil {
		return 0, err
	}
	sl.logger.WithField("Cluster", sl.Name).Debugf("submitting script to Slurm:\n%s", req.Script)
	var resp slurmSubmitResponse
	if err := sl.do(ctx, http.MethodPost, "job/submit", req, &resp); err != nil {
		return 0, zerr.Submissionf("failed Slurm job submission: %w", err)
	}
	if len(resp.Errors) > 0 {
		var msgs []string
		for _, e := range resp.Errors {
			msg := fmt.Sprintf("%d: %s", e.ErrorNumber, e.Error)
			if e.Description != "" {
				msg += " (" + e.Description + ")"
			}
			msgs = append(msgs, msg)
		}
		return 0, zerr.Submissionf("failed Slurm job submission: %s", strings.Join(msgs, "; "))
	}
	if resp.Error != "" {
		return 0, zerr.Submissionf("failed Slurm job submission: %d: %s", resp.ErrorCode, resp.Error)
	}
	if resp.JobID <= 0 {
		return 0, zerr.Submissionf("failed Slurm job submission: no job id in response")
	}
	return resp.JobID, nil
}

// SlurmJob is one entry of the Slurm job listing.
type SlurmJob struct {
	JobID     int64
	Name      string
	Partition string
	UserName  string
	// Job states, e.g. ["PENDING"]. Newer API versions report
	// a list, older ones a single string.
	States []string
}

func (j *SlurmJob) UnmarshalJSON(data []byte) error {
	var raw struct {
		JobID     int64           `json:"job_id"`
		Name      string          `json:"name"`
		Partition string          `json:"partition"`
		UserName  string          `json:"user_name"`
		JobState  json.RawMessage `json:"job_state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	j.JobID, j.Name, j.Partition, j.UserName = raw.JobID, raw.Name, raw.Partition, raw.UserName
	j.States = nil
	if len(raw.JobState) == 0 || string(raw.JobState) == "null" {
		return nil
	}
	var state string
	if err := json.Unmarshal(raw.JobState, &state); err == nil {
		j.States = []string{state}
		return nil
	}
	return json.Unmarshal(raw.JobState, &j.States)
}

// Jobs returns the jobs owned by user, or all jobs if user is "".
func (sl *Slurm) Jobs(ctx context.Context, user string) ([]SlurmJob, error) {
	path := "jobs"
	if user != "" {
		path += "?" + url.Values{"users": {user}}.Encode()
	}
	var resp struct {
		Jobs   []SlurmJob   `json:"jobs"`
		Errors []slurmError `json:"errors"`
	}
	if err := sl.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("slurm jobs: %d: %s", resp.Errors[0].ErrorNumber, resp.Errors[0].Error)
	}
	return resp.Jobs, nil
}
