package moderation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Permission is an administrative operation an operator may perform.
type Permission string

const (
	PermissionViewRollout    Permission = "view_rollout"
	PermissionAdvancePhase   Permission = "advance_phase"
	PermissionSetMode        Permission = "set_mode"
	PermissionSetAuthority   Permission = "set_authority"
	PermissionForecast       Permission = "forecast"
	PermissionApplyThreshold Permission = "apply_threshold"
	PermissionViewAuditLog   Permission = "view_audit_log"

	// Service permissions for the detection layer and the legacy generation.
	PermissionSubmitDecision Permission = "submit_decision"
	PermissionLegacyEnforce  Permission = "legacy_enforce"
)

// AllPermissions returns all available permissions
func AllPermissions() []Permission {
	return []Permission{
		PermissionViewRollout,
		PermissionAdvancePhase,
		PermissionSetMode,
		PermissionSetAuthority,
		PermissionForecast,
		PermissionApplyThreshold,
		PermissionViewAuditLog,
		PermissionSubmitDecision,
		PermissionLegacyEnforce,
	}
}

// RoleName is the name of an operator role
type RoleName string

const (
	RoleAdmin    RoleName = "admin"
	RoleOperator RoleName = "operator"
)

// Role is a named set of permissions
type Role struct {
	Name        RoleName     `json:"-"` // Set from map key during loading
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// HasPermission checks if this role has the given permission
func (r *Role) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Operator is a person or service allowed to use the admin surface.
type Operator struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Role RoleName `json:"role"`
	// TokenSHA256 is the hex SHA-256 of the operator's bearer token.
	TokenSHA256 string `json:"token_sha256"`
	Note        string `json:"note,omitempty"`
}

// OperatorsConfig is the operator file as loaded from JSON
type OperatorsConfig struct {
	Roles     map[RoleName]*Role `json:"roles"`
	Operators []Operator         `json:"operators"`
}

// Validate checks that the config is valid
func (c *OperatorsConfig) Validate() error {
	if c.Roles == nil {
		c.Roles = make(map[RoleName]*Role)
	}

	seen := make(map[string]bool, len(c.Operators))
	for _, op := range c.Operators {
		if _, ok := c.Roles[op.Role]; !ok {
			return &ConfigError{
				Field:   "operators",
				Message: "operator " + op.ID + " references unknown role: " + string(op.Role),
			}
		}
		if op.TokenSHA256 != "" {
			if _, err := hex.DecodeString(op.TokenSHA256); err != nil || len(op.TokenSHA256) != sha256.Size*2 {
				return &ConfigError{Field: "operators", Message: "operator " + op.ID + " has a malformed token_sha256"}
			}
		}
		if seen[op.ID] {
			return &ConfigError{Field: "operators", Message: "duplicate operator id: " + op.ID}
		}
		seen[op.ID] = true
	}

	for name, role := range c.Roles {
		role.Name = name
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "operators config error in " + e.Field + ": " + e.Message
}

// HashToken returns the value stored in Operator.TokenSHA256 for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Operators answers who may use the admin surface and what they may do.
type Operators struct {
	mu         sync.RWMutex
	config     *OperatorsConfig
	configPath string

	// Quick lookup maps built from config
	roles   map[string]*Role     // operator id -> role
	infos   map[string]*Operator // operator id -> operator
	byToken map[string]string    // token hash -> operator id
}

// NewOperators loads the operator file at configPath. With an empty path,
// or a path that does not exist, the admin surface is disabled and every
// permission check returns false.
func NewOperators(configPath string) (*Operators, error) {
	o := &Operators{
		configPath: configPath,
		roles:      make(map[string]*Role),
		infos:      make(map[string]*Operator),
		byToken:    make(map[string]string),
	}

	if configPath == "" {
		log.Info().Msg("operators: no config path provided, admin surface disabled")
		return o, nil
	}

	if err := o.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load operators config: %w", err)
	}
	return o, nil
}

func (o *Operators) loadConfig() error {
	data, err := os.ReadFile(o.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", o.configPath).Msg("operators: config file not found, admin surface disabled")
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config OperatorsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.config = &config
	o.rebuildLookupMaps()

	log.Info().
		Int("roles", len(config.Roles)).
		Int("operators", len(config.Operators)).
		Str("path", o.configPath).
		Msg("operators: config loaded")
	return nil
}

// Caller must hold the write lock
func (o *Operators) rebuildLookupMaps() {
	o.roles = make(map[string]*Role)
	o.infos = make(map[string]*Operator)
	o.byToken = make(map[string]string)

	if o.config == nil {
		return
	}
	for i := range o.config.Operators {
		op := &o.config.Operators[i]
		role, ok := o.config.Roles[op.Role]
		if !ok {
			continue
		}
		o.roles[op.ID] = role
		o.infos[op.ID] = op
		if op.TokenSHA256 != "" {
			o.byToken[op.TokenSHA256] = op.ID
		}
	}
}

// Reload re-reads the operator file
func (o *Operators) Reload() error {
	if o.configPath == "" {
		return nil
	}
	return o.loadConfig()
}

// IsEnabled reports whether any operator is configured
func (o *Operators) IsEnabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config != nil && len(o.config.Operators) > 0
}

// Authenticate resolves a bearer token to an operator id.
func (o *Operators) Authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.byToken[HashToken(token)]
	return id, ok
}

// IsAdmin returns true if the operator has the admin role
func (o *Operators) IsAdmin(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	role, ok := o.roles[id]
	return ok && role.Name == RoleAdmin
}

// HasPermission returns true if the operator has the given permission
func (o *Operators) HasPermission(id string, permission Permission) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	role, ok := o.roles[id]
	if !ok {
		return false
	}
	return role.HasPermission(permission)
}

// GetRole returns a copy of the operator's role
func (o *Operators) GetRole(id string) (*Role, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	role, ok := o.roles[id]
	if !ok {
		return nil, false
	}
	roleCopy := *role
	return &roleCopy, true
}

// GetOperator returns a copy of the operator's record
func (o *Operators) GetOperator(id string) (*Operator, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	op, ok := o.infos[id]
	if !ok {
		return nil, false
	}
	opCopy := *op
	return &opCopy, true
}

// ListOperators returns all configured operators
func (o *Operators) ListOperators() []Operator {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.config == nil {
		return nil
	}
	result := make([]Operator, len(o.config.Operators))
	copy(result, o.config.Operators)
	return result
}

// PermissionsFor returns a copy of the operator's permissions
func (o *Operators) PermissionsFor(id string) []Permission {
	o.mu.RLock()
	defer o.mu.RUnlock()

	role, ok := o.roles[id]
	if !ok {
		return nil
	}
	result := make([]Permission, len(role.Permissions))
	copy(result, role.Permissions)
	return result
}
