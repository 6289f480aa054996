// Package workspace bootstraps the on-disk workspace skeleton. Init is
// idempotent: an already-initialized workspace is left untouched apart
// from recreating any missing directories.
package workspace

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/agentcompany/agentcompany/internal/domain"
	"github.com/agentcompany/agentcompany/internal/heartbeat"
	"github.com/agentcompany/agentcompany/internal/policy"
	"github.com/agentcompany/agentcompany/internal/store"
)

// skeletonDirs are the directories every workspace carries, relative
// to the workspace root.
var skeletonDirs = []string{
	"company",
	"org/agents",
	"org/teams",
	"work/projects",
	"inbox/reviews",
	"inbox/comments",
	"inbox/help_requests",
	"inbox/workspace_home",
	".local/locks",
	".local/sessions",
	".local/heartbeat",
}

// InitInput configures a bootstrap.
type InitInput struct {
	Path        string
	CompanyName string
	CEOAgentID  string
}

// InitResult reports what Init did.
type InitResult struct {
	Path               string   `json:"path"`
	CompanyID          string   `json:"company_id"`
	AlreadyInitialized bool     `json:"already_initialized"`
	Created            []string `json:"created,omitempty"`
}

// machineRecord is the per-machine marker at .local/machine.yaml.
type machineRecord struct {
	Hostname      string `yaml:"hostname"`
	OS            string `yaml:"os"`
	InitializedAt string `yaml:"initialized_at"`
}

// Init creates the workspace skeleton under in.Path. When the
// company.yaml marker already exists only missing directories are
// recreated and no file is rewritten.
func Init(ctx context.Context, st *store.Store, logger *log.Logger, in InitInput) (InitResult, error) {
	if in.Path == "" {
		return InitResult{}, domain.Ef(domain.CodeSchemaInvalid, "workspace.init", "path is required")
	}
	ws, err := filepath.Abs(in.Path)
	if err != nil {
		return InitResult{}, domain.E(domain.CodeIOError, "workspace.init", err)
	}
	res := InitResult{Path: ws}

	for _, rel := range skeletonDirs {
		dir := filepath.Join(ws, filepath.FromSlash(rel))
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			res.Created = append(res.Created, rel)
		}
		if err := st.EnsureDir(dir); err != nil {
			return InitResult{}, err
		}
	}

	if st.PathExists(domain.CompanyYAMLPath(ws)) {
		var company domain.Company
		if err := st.ReadYAML(domain.CompanyYAMLPath(ws), &company); err != nil {
			return InitResult{}, err
		}
		res.CompanyID = company.ID
		res.AlreadyInitialized = true
		return res, nil
	}

	name := in.CompanyName
	if name == "" {
		name = filepath.Base(ws)
	}
	company := domain.Company{ID: domain.NewCompanyID(), Name: name, CEO: in.CEOAgentID}
	if err := st.WriteYAML(ctx, domain.CompanyYAMLPath(ws), &company, store.WriteOptions{}); err != nil {
		return InitResult{}, err
	}
	if err := st.WriteYAML(ctx, domain.PolicyYAMLPath(ws), policy.DefaultConfig(), store.WriteOptions{}); err != nil {
		return InitResult{}, err
	}
	hb := heartbeat.DefaultConfig()
	if err := st.WriteYAML(ctx, domain.HeartbeatConfigPath(ws), &hb, store.WriteOptions{}); err != nil {
		return InitResult{}, err
	}
	hostname, _ := os.Hostname()
	machine := machineRecord{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		InitializedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := st.WriteYAML(ctx, domain.MachineYAMLPath(ws), &machine, store.WriteOptions{}); err != nil {
		return InitResult{}, err
	}
	logger.Printf("workspace: initialized %s (%s)", ws, company.ID)
	res.CompanyID = company.ID
	return res, nil
}
