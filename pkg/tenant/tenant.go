package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
)

var (
	ErrNotFound       = errors.New("tenant not found")
	ErrExists         = errors.New("tenant already exists")
	ErrParentNotFound = errors.New("parent tenant not found")
	ErrCycle          = errors.New("reparent would create a cycle")
)

type tenantDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store keeps the strict governance tree. Invariant for every row:
// hierarchy_path = root..self and hierarchy_depth = len(path)-1.
type Store struct {
	DB tenantDB
}

type CreateRequest struct {
	TenantID       string
	TenantType     string
	DisplayName    string
	ParentTenantID string
	Governance     *models.TenantGov
}

const tenantColumns = `id, tenant_id, tenant_type, display_name, parent_tenant_id,
	       root_tenant_id, hierarchy_path, hierarchy_depth, governance_config,
	       created_at, updated_at, deactivated_at`

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var t models.Tenant
	var displayName, parentID *string
	var gov []byte
	var deactivated *time.Time
	if err := row.Scan(&t.ID, &t.TenantID, &t.TenantType, &displayName, &parentID,
		&t.RootTenantID, &t.HierarchyPath, &t.HierarchyDepth, &gov,
		&t.CreatedAt, &t.UpdatedAt, &deactivated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	if displayName != nil {
		t.DisplayName = *displayName
	}
	if parentID != nil {
		t.ParentTenantID = *parentID
	}
	t.DeactivatedAt = deactivated
	if err := json.Unmarshal(gov, &t.Governance); err != nil || t.Governance.PolicyScope == "" {
		t.Governance = models.TenantGov{PolicyScope: models.ScopeInherit}
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, tenantID string) (models.Tenant, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE tenant_id=$1 AND deactivated_at IS NULL
	`, tenantID)
	return scanTenant(row)
}

// Create inserts a tenant. Without a parent it becomes a new root; with one,
// the parent must exist and the child extends the parent's path.
func (s *Store) Create(ctx context.Context, req CreateRequest) (models.Tenant, error) {
	if _, err := s.Get(ctx, req.TenantID); err == nil {
		return models.Tenant{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return models.Tenant{}, err
	}

	t := models.Tenant{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		TenantType:  req.TenantType,
		DisplayName: req.DisplayName,
		Governance:  models.TenantGov{PolicyScope: models.ScopeInherit},
	}
	if req.Governance != nil {
		t.Governance = *req.Governance
		if t.Governance.PolicyScope == "" {
			t.Governance.PolicyScope = models.ScopeInherit
		}
	}

	if req.ParentTenantID == "" {
		if t.TenantType == "" {
			t.TenantType = "platform"
		}
		t.RootTenantID = req.TenantID
		t.HierarchyPath = []string{req.TenantID}
		t.HierarchyDepth = 0
	} else {
		parent, err := s.Get(ctx, req.ParentTenantID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return models.Tenant{}, fmt.Errorf("%w: %s", ErrParentNotFound, req.ParentTenantID)
			}
			return models.Tenant{}, err
		}
		if t.TenantType == "" {
			t.TenantType = "child"
		}
		t.ParentTenantID = parent.TenantID
		t.RootTenantID = parent.RootTenantID
		t.HierarchyPath = append(append([]string{}, parent.HierarchyPath...), req.TenantID)
		t.HierarchyDepth = len(t.HierarchyPath) - 1
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	gov, err := json.Marshal(t.Governance)
	if err != nil {
		return models.Tenant{}, err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO tenants
		(id, tenant_id, tenant_type, display_name, parent_tenant_id, root_tenant_id,
		 hierarchy_path, hierarchy_depth, governance_config, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, t.ID, t.TenantID, t.TenantType, nullable(t.DisplayName), nullable(t.ParentTenantID),
		t.RootTenantID, t.HierarchyPath, t.HierarchyDepth, gov, now)
	if err != nil {
		return models.Tenant{}, err
	}
	return t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type Hierarchy struct {
	Tenant    models.Tenant   `json:"tenant"`
	Ancestors []models.Tenant `json:"ancestors"`
	Children  []models.Tenant `json:"children"`
}

func (s *Store) Hierarchy(ctx context.Context, tenantID string) (Hierarchy, error) {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return Hierarchy{}, err
	}
	h := Hierarchy{Tenant: t}
	if len(t.HierarchyPath) > 1 {
		h.Ancestors, err = s.byIDs(ctx, t.HierarchyPath[:len(t.HierarchyPath)-1])
		if err != nil {
			return Hierarchy{}, err
		}
	}
	h.Children, err = s.children(ctx, tenantID)
	if err != nil {
		return Hierarchy{}, err
	}
	return h, nil
}

func (s *Store) byIDs(ctx context.Context, ids []string) ([]models.Tenant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE tenant_id = ANY($1) AND deactivated_at IS NULL
		ORDER BY hierarchy_depth
	`, ids)
	if err != nil {
		return nil, err
	}
	return collectTenants(rows)
}

func (s *Store) children(ctx context.Context, tenantID string) ([]models.Tenant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE parent_tenant_id=$1 AND deactivated_at IS NULL
		ORDER BY tenant_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectTenants(rows)
}

func collectTenants(rows pgx.Rows) ([]models.Tenant, error) {
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateGovernance(ctx context.Context, tenantID string, gov models.TenantGov) (models.Tenant, error) {
	if gov.PolicyScope == "" {
		gov.PolicyScope = models.ScopeInherit
	}
	raw, err := json.Marshal(gov)
	if err != nil {
		return models.Tenant{}, err
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE tenants SET governance_config=$2, updated_at=$3
		WHERE tenant_id=$1 AND deactivated_at IS NULL
	`, tenantID, raw, time.Now().UTC())
	if err != nil {
		return models.Tenant{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Tenant{}, ErrNotFound
	}
	return s.Get(ctx, tenantID)
}

// Reparent moves a tenant and its whole subtree under a new parent and
// recomputes path and depth for every moved row.
func (s *Store) Reparent(ctx context.Context, tenantID, newParentID string) error {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	parent, err := s.Get(ctx, newParentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrParentNotFound, newParentID)
		}
		return err
	}
	for _, id := range parent.HierarchyPath {
		if id == tenantID {
			return ErrCycle
		}
	}

	subtree, err := s.subtree(ctx, tenantID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	oldPrefix := len(t.HierarchyPath) - 1
	for _, node := range subtree {
		newPath := append(append([]string{}, parent.HierarchyPath...), node.HierarchyPath[oldPrefix:]...)
		parentID := nullable(node.ParentTenantID)
		if node.TenantID == tenantID {
			parentID = &newParentID
		}
		_, err := s.DB.Exec(ctx, `
			UPDATE tenants
			SET parent_tenant_id=$2, root_tenant_id=$3, hierarchy_path=$4, hierarchy_depth=$5, updated_at=$6
			WHERE tenant_id=$1
		`, node.TenantID, parentID, parent.RootTenantID, newPath, len(newPath)-1, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) subtree(ctx context.Context, tenantID string) ([]models.Tenant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE $1 = ANY(hierarchy_path) AND deactivated_at IS NULL
		ORDER BY hierarchy_depth
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectTenants(rows)
}

func (s *Store) Deactivate(ctx context.Context, tenantID string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE tenants SET deactivated_at=$2, updated_at=$2
		WHERE tenant_id=$1 AND deactivated_at IS NULL
	`, tenantID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveGovernance produces the tenant context the adjudicator consumes.
// Nearest explicit scope wins: inherit keeps walking toward the root, merge
// unions custom policy fragments collected along the way.
func (s *Store) ResolveGovernance(ctx context.Context, tenantID string) (models.TenantContext, error) {
	t, err := s.Get(ctx, tenantID)
	if err != nil {
		return models.TenantContext{}, err
	}
	chain := []models.Tenant{t}
	if len(t.HierarchyPath) > 1 {
		ancestors, err := s.byIDs(ctx, t.HierarchyPath[:len(t.HierarchyPath)-1])
		if err != nil {
			return models.TenantContext{}, err
		}
		// deepest first
		for i := len(ancestors) - 1; i >= 0; i-- {
			chain = append(chain, ancestors[i])
		}
	}
	return resolveContext(chain), nil
}

// resolveContext walks the chain from the tenant toward the root.
func resolveContext(chain []models.Tenant) models.TenantContext {
	self := chain[0]
	out := models.TenantContext{
		TenantID:      self.TenantID,
		Scope:         self.Governance.PolicyScope,
		HierarchyPath: self.HierarchyPath,
	}
	switch self.Governance.PolicyScope {
	case models.ScopeOverride:
		out.ThresholdOverride = self.Governance.TrustThresholdOverride
		out.CustomPolicies = self.Governance.CustomPolicies
	case models.ScopeMerge:
		seen := map[string]bool{}
		for _, node := range chain {
			for _, frag := range node.Governance.CustomPolicies {
				if !seen[frag] {
					seen[frag] = true
					out.CustomPolicies = append(out.CustomPolicies, frag)
				}
			}
			if out.ThresholdOverride == nil {
				out.ThresholdOverride = node.Governance.TrustThresholdOverride
			}
		}
	default:
		// inherit: the nearest ancestor with an explicit scope decides
		for _, node := range chain[1:] {
			if node.Governance.PolicyScope != models.ScopeInherit && node.Governance.PolicyScope != "" {
				out.Scope = node.Governance.PolicyScope
				out.ThresholdOverride = node.Governance.TrustThresholdOverride
				out.CustomPolicies = node.Governance.CustomPolicies
				break
			}
		}
	}
	return out
}
