package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative bootstrap document: tenants, teams, custom
// roles and memberships to seed into the stores. It is applied by an
// operator before the engine serves traffic, so it bypasses actor gating
// but not validation.
type Config struct {
	Tenants     []TenantConfig     `yaml:"tenants" json:"tenants"`
	Teams       []TeamConfig       `yaml:"teams" json:"teams"`
	Roles       []RoleConfig       `yaml:"roles" json:"roles"`
	Memberships []MembershipConfig `yaml:"memberships" json:"memberships"`
	Engine      EngineSettings     `yaml:"engine" json:"engine"`
}

type TenantConfig struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Active *bool  `yaml:"active" json:"active"`
}

type TeamConfig struct {
	ID      string   `yaml:"id" json:"id"`
	Members []string `yaml:"members" json:"members"`
}

type RoleConfig struct {
	Tenant   string        `yaml:"tenant" json:"tenant"`
	Key      string        `yaml:"key" json:"key"`
	Name     string        `yaml:"name" json:"name"`
	Priority int           `yaml:"priority" json:"priority"`
	Grants   []GrantConfig `yaml:"grants" json:"grants"`
}

type GrantConfig struct {
	Resource  string `yaml:"resource" json:"resource"`
	Action    string `yaml:"action" json:"action"`
	Condition string `yaml:"condition" json:"condition"`
}

type MembershipConfig struct {
	Tenant string `yaml:"tenant" json:"tenant"`
	Actor  string `yaml:"actor" json:"actor"`
	Role   string `yaml:"role" json:"role"`
	Active *bool  `yaml:"active" json:"active"`
}

type EngineSettings struct {
	AuditBuffer int           `yaml:"audit_buffer" json:"audit_buffer"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" json:"snapshot_ttl"`
}

// LoadConfig reads a config document from path, picking the codec from the
// file extension (.json, else YAML).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig decodes a config document. ext selects the codec the way
// LoadConfig does; an empty ext means YAML.
func ParseConfig(data []byte, ext string) (*Config, error) {
	var cfg Config
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document for problems that would otherwise only
// surface at apply time: bad conditions, colliding priorities, memberships
// referencing undefined roles or tenants.
func (c *Config) Validate() error {
	tenants := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("config: tenant with empty id")
		}
		if tenants[t.ID] {
			return fmt.Errorf("config: duplicate tenant %s", t.ID)
		}
		tenants[t.ID] = true
	}

	sys := systemRoles()
	roles := make(map[string]map[string]int)
	for _, r := range c.Roles {
		if r.Tenant == "" || r.Key == "" {
			return fmt.Errorf("config: role %q needs tenant and key", r.Key)
		}
		if _, ok := sys[r.Key]; ok {
			return fmt.Errorf("config: role %s/%s uses a reserved system key", r.Tenant, r.Key)
		}
		if r.Priority <= 0 || r.Priority >= PriorityOwner {
			return fmt.Errorf("config: role %s/%s priority %d out of range", r.Tenant, r.Key, r.Priority)
		}
		for _, s := range sys {
			if r.Priority == s.Priority {
				return fmt.Errorf("config: role %s/%s priority %d collides with system role %s", r.Tenant, r.Key, r.Priority, s.Key)
			}
		}
		byKey := roles[r.Tenant]
		if byKey == nil {
			byKey = make(map[string]int)
			roles[r.Tenant] = byKey
		}
		if _, dup := byKey[r.Key]; dup {
			return fmt.Errorf("config: duplicate role %s/%s", r.Tenant, r.Key)
		}
		for k, p := range byKey {
			if p == r.Priority {
				return fmt.Errorf("config: role %s/%s priority %d collides with role %s", r.Tenant, r.Key, r.Priority, k)
			}
		}
		byKey[r.Key] = r.Priority
		for _, g := range r.Grants {
			if g.Resource == "" || g.Action == "" {
				return fmt.Errorf("config: role %s/%s has a grant without resource or action", r.Tenant, r.Key)
			}
			if _, err := ParseCondition(g.Condition); err != nil {
				return fmt.Errorf("config: role %s/%s: %w", r.Tenant, r.Key, err)
			}
		}
	}

	seen := make(map[string]bool, len(c.Memberships))
	for _, m := range c.Memberships {
		if m.Tenant == "" || m.Actor == "" || m.Role == "" {
			return fmt.Errorf("config: membership needs tenant, actor and role")
		}
		pair := m.Tenant + "\x00" + m.Actor
		if seen[pair] {
			return fmt.Errorf("config: duplicate membership %s/%s", m.Tenant, m.Actor)
		}
		seen[pair] = true
		if _, ok := sys[m.Role]; ok {
			continue
		}
		if _, ok := roles[m.Tenant][m.Role]; !ok {
			return fmt.Errorf("config: membership %s/%s references undefined role %s", m.Tenant, m.Actor, m.Role)
		}
	}
	return nil
}

// toRole converts a validated RoleConfig into the native Role.
func (r RoleConfig) toRole() (*Role, error) {
	grants := make([]Grant, 0, len(r.Grants))
	for _, g := range r.Grants {
		cond, err := ParseCondition(g.Condition)
		if err != nil {
			return nil, catalogErr(r.Tenant, r.Key, err.Error())
		}
		grants = append(grants, Grant{ResourceType: g.Resource, Action: Action(g.Action), Condition: cond})
	}
	name := r.Name
	if name == "" {
		name = r.Key
	}
	return &Role{Key: r.Key, TenantID: r.Tenant, Name: name, Priority: r.Priority, Grants: grants}, nil
}

// ApplyConfig seeds the stores from a validated config document. Existing
// roles and memberships with the same keys are overwritten; nothing is
// removed. Tenant and team sections are skipped when the matching store is
// not configured.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if e.tenants != nil {
		for _, t := range cfg.Tenants {
			active := true
			if t.Active != nil {
				active = *t.Active
			}
			if err := e.tenants.Put(ctx, &Tenant{ID: t.ID, Name: t.Name, Active: active}); err != nil {
				return fmt.Errorf("seed tenant %s: %w", t.ID, err)
			}
		}
	}
	if e.teams != nil {
		for _, t := range cfg.Teams {
			for _, actor := range t.Members {
				if err := e.teams.AddMember(ctx, t.ID, actor); err != nil {
					return fmt.Errorf("seed team %s: %w", t.ID, err)
				}
			}
		}
	}
	for _, rc := range cfg.Roles {
		r, err := rc.toRole()
		if err != nil {
			return err
		}
		mu := e.catalog.lockTenant(r.TenantID)
		mu.Lock()
		err = e.catalog.createRole(ctx, r)
		if err != nil {
			var ce *CatalogError
			if errors.As(err, &ce) && ce.Reason == "role already exists" {
				err = e.catalog.updateRole(ctx, r)
			}
		}
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	now := time.Now()
	for _, mc := range cfg.Memberships {
		active := true
		if mc.Active != nil {
			active = *mc.Active
		}
		m := &Membership{TenantID: mc.Tenant, ActorID: mc.Actor, Role: mc.Role, Active: active, CreatedAt: now, UpdatedAt: now}
		if prev, err := e.memberships.Get(ctx, mc.Tenant, mc.Actor); err == nil {
			m.CreatedAt = prev.CreatedAt
		}
		if err := e.memberships.Put(ctx, m); err != nil {
			return fmt.Errorf("seed membership %s/%s: %w", mc.Tenant, mc.Actor, err)
		}
	}
	e.log.Info("config applied",
		"tenants", len(cfg.Tenants),
		"roles", len(cfg.Roles),
		"memberships", len(cfg.Memberships),
	)
	return nil
}
