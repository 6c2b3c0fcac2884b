// Package actions holds the versioned descriptors of the remote actions the
// relay can invoke on the signing network. Descriptors ship with the binary
// (actions.toml) and can be replaced by a file at startup.
package actions

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jinmel/gas-sponsor/op-service/sources"
)

//go:embed actions.toml
var defaultActions []byte

const DefaultAction = "relay-signed-tx@v1"

type ParamType string

const (
	ParamHexBytes  ParamType = "hex-bytes"
	ParamUint64    ParamType = "uint64"
	ParamPublicKey ParamType = "public-key"
)

type Param struct {
	Name     string    `toml:"name"`
	Type     ParamType `toml:"type"`
	Required bool      `toml:"required"`
}

// Grant is an ability on a resource template. Templates may reference
// {action} and {publicKey}.
type Grant struct {
	Resource string `toml:"resource"`
	Ability  string `toml:"ability"`
}

type Descriptor struct {
	Name        string  `toml:"name"`
	Version     string  `toml:"version"`
	CodeHash    string  `toml:"code_hash"`
	Description string  `toml:"description"`
	Params      []Param `toml:"params"`
	Grants      []Grant `toml:"abilities"`
}

func (d *Descriptor) ID() string {
	return d.Name + "@" + d.Version
}

func (d *Descriptor) Ref() sources.ActionRef {
	return sources.ActionRef{Name: d.Name, Version: d.Version, CodeHash: d.CodeHash}
}

// AbilityRequests resolves the descriptor's grants for one delegated signer.
// The result is the complete ability set the action needs and nothing more.
func (d *Descriptor) AbilityRequests(publicKey hexutil.Bytes) []sources.AbilityRequest {
	r := strings.NewReplacer("{action}", d.ID(), "{publicKey}", publicKey.String())
	out := make([]sources.AbilityRequest, 0, len(d.Grants))
	for _, g := range d.Grants {
		out = append(out, sources.AbilityRequest{Resource: r.Replace(g.Resource), Ability: g.Ability})
	}
	return out
}

// ValidateParams checks params against the descriptor's schema.
func (d *Descriptor) ValidateParams(params map[string]any) error {
	known := make(map[string]struct{}, len(d.Params))
	for _, p := range d.Params {
		known[p.Name] = struct{}{}
		v, ok := params[p.Name]
		if !ok {
			if p.Required {
				return fmt.Errorf("action %s: missing parameter %q", d.ID(), p.Name)
			}
			continue
		}
		if err := p.check(v); err != nil {
			return fmt.Errorf("action %s: parameter %q: %w", d.ID(), p.Name, err)
		}
	}
	for name := range params {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("action %s: unknown parameter %q", d.ID(), name)
		}
	}
	return nil
}

func (p Param) check(v any) error {
	switch p.Type {
	case ParamUint64:
		if _, ok := v.(uint64); !ok {
			return fmt.Errorf("want uint64, got %T", v)
		}
	case ParamHexBytes, ParamPublicKey:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want hex string, got %T", v)
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return errors.New("empty")
		}
		if p.Type == ParamPublicKey {
			if _, err := crypto.UnmarshalPubkey(b); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown parameter type %q", p.Type)
	}
	return nil
}

// Call builds the invocation of this action for a delegated signer.
func (d *Descriptor) Call(signer *sources.DelegatedSigner, params map[string]any) (sources.ActionCall, error) {
	if err := d.ValidateParams(params); err != nil {
		return sources.ActionCall{}, err
	}
	return sources.ActionCall{
		Action:   d.Ref(),
		Params:   params,
		Requires: d.AbilityRequests(signer.PublicKey),
	}, nil
}

func (d *Descriptor) validate() error {
	if d.Name == "" || d.Version == "" {
		return errors.New("action needs a name and a version")
	}
	if len(d.Grants) == 0 {
		return fmt.Errorf("action %s declares no abilities", d.ID())
	}
	for _, g := range d.Grants {
		if g.Resource == "" || g.Ability == "" {
			return fmt.Errorf("action %s: incomplete ability", d.ID())
		}
		if strings.ContainsAny(g.Resource, "*?[") {
			return fmt.Errorf("action %s: wildcard resource %q", d.ID(), g.Resource)
		}
	}
	seen := make(map[string]struct{}, len(d.Params))
	for _, p := range d.Params {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("action %s: duplicate parameter %q", d.ID(), p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Type {
		case ParamHexBytes, ParamUint64, ParamPublicKey:
		default:
			return fmt.Errorf("action %s: parameter %q has unknown type %q", d.ID(), p.Name, p.Type)
		}
	}
	return nil
}

type Registry struct {
	actions map[string]*Descriptor
}

type file struct {
	Actions []*Descriptor `toml:"action"`
}

// LoadRegistry reads descriptors from path, or the built-in set when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return ParseRegistry(defaultActions)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var f file
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	r := &Registry{actions: make(map[string]*Descriptor, len(f.Actions))}
	for _, d := range f.Actions {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.actions[d.ID()]; dup {
			return nil, fmt.Errorf("duplicate action %s", d.ID())
		}
		r.actions[d.ID()] = d
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (*Descriptor, error) {
	d, ok := r.actions[id]
	if !ok {
		return nil, fmt.Errorf("unknown action %q (known: %s)", id, strings.Join(r.IDs(), ", "))
	}
	return d, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
