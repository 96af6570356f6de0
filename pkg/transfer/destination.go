// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/voicebridge/voicebridge/pkg/config"
	"github.com/voicebridge/voicebridge/pkg/errors"
)

type DestinationType string

const (
	Extension DestinationType = "extension"
	RingGroup DestinationType = "ring_group"
	Queue     DestinationType = "queue"
	Voicemail DestinationType = "voicemail"
	External  DestinationType = "external"
)

type Destination struct {
	Domain  string          `json:"domain,omitempty"`
	Name    string          `json:"name"`
	Aliases []string        `json:"aliases,omitempty"`
	Type    DestinationType `json:"type"`
	Number  string          `json:"number"`
	Context string          `json:"context,omitempty"`
	Gateway string          `json:"gateway,omitempty"`

	// Optional overrides of the transfer defaults.
	RingTimeout time.Duration `json:"ring_timeout,omitempty"`
	Retries     int           `json:"retries,omitempty"`
}

// DialString builds the originate target. defContext and defGateway fill in
// what the destination leaves empty.
func (d Destination) DialString(defContext, defGateway string) string {
	ctx := d.Context
	if ctx == "" {
		ctx = defContext
	}
	switch d.Type {
	case RingGroup:
		return fmt.Sprintf("group/%s@%s", d.Number, ctx)
	case Queue:
		return fmt.Sprintf("fifo/%s@%s", d.Number, ctx)
	case Voicemail:
		return fmt.Sprintf("voicemail/%s@%s", d.Number, ctx)
	case External:
		gw := d.Gateway
		if gw == "" {
			gw = defGateway
		}
		if gw == "" {
			gw = "default"
		}
		return fmt.Sprintf("sofia/gateway/%s/%s", gw, d.Number)
	default:
		return fmt.Sprintf("user/%s@%s", d.Number, ctx)
	}
}

// User returns number@context, as used for presence lookups.
func (d Destination) User(defContext string) string {
	ctx := d.Context
	if ctx == "" {
		ctx = defContext
	}
	return d.Number + "@" + ctx
}

// Matches reports whether name refers to the destination by name, alias or number.
func (d Destination) Matches(name string) bool {
	n := normalizeName(name)
	if n == "" {
		return false
	}
	if n == normalizeName(d.Name) || n == normalizeName(d.Number) {
		return true
	}
	for _, a := range d.Aliases {
		if n == normalizeName(a) {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func DestinationFromConfig(c config.DestinationConfig) Destination {
	typ := DestinationType(c.Type)
	if typ == "" {
		typ = Extension
	}
	return Destination{
		Domain:      c.Domain,
		Name:        c.Name,
		Aliases:     c.Aliases,
		Type:        typ,
		Number:      c.Number,
		Context:     c.Context,
		Gateway:     c.Gateway,
		RingTimeout: c.RingTimeout,
		Retries:     c.Retries,
	}
}

// DestinationLoader provides the transfer destinations of a domain.
type DestinationLoader interface {
	Load(ctx context.Context, domain string) ([]Destination, error)
}

// StaticLoader serves destinations from configuration. Destinations without a
// domain belong to every domain.
type StaticLoader []Destination

func NewStaticLoader(conf []config.DestinationConfig) StaticLoader {
	out := make(StaticLoader, 0, len(conf))
	for _, c := range conf {
		out = append(out, DestinationFromConfig(c))
	}
	return out
}

func (l StaticLoader) Load(_ context.Context, domain string) ([]Destination, error) {
	var out []Destination
	for _, d := range l {
		if d.Domain == "" || domain == "" || d.Domain == domain {
			out = append(out, d)
		}
	}
	return out, nil
}

// CachedLoader keeps the destinations of each domain for a while.
type CachedLoader struct {
	next  DestinationLoader
	cache *expirable.LRU[string, []Destination]
}

func NewCachedLoader(next DestinationLoader, size int, ttl time.Duration) *CachedLoader {
	return &CachedLoader{
		next:  next,
		cache: expirable.NewLRU[string, []Destination](size, nil, ttl),
	}
}

func (l *CachedLoader) Load(ctx context.Context, domain string) ([]Destination, error) {
	if list, ok := l.cache.Get(domain); ok {
		return list, nil
	}
	list, err := l.next.Load(ctx, domain)
	if err != nil {
		return nil, err
	}
	l.cache.Add(domain, list)
	return list, nil
}

// Invalidate drops the cached destinations of a domain.
func (l *CachedLoader) Invalidate(domain string) {
	l.cache.Remove(domain)
}

// Directory resolves destinations by name.
type Directory struct {
	loader DestinationLoader
}

func NewDirectory(loader DestinationLoader) *Directory {
	return &Directory{loader: loader}
}

func (d *Directory) Find(ctx context.Context, domain, name string) (Destination, error) {
	list, err := d.loader.Load(ctx, domain)
	if err != nil {
		return Destination{}, err
	}
	for _, dest := range list {
		if dest.Matches(name) {
			return dest, nil
		}
	}
	return Destination{}, fmt.Errorf("%w: %q", errors.ErrDestinationNotFound, name)
}

func (d *Directory) List(ctx context.Context, domain string) ([]Destination, error) {
	return d.loader.Load(ctx, domain)
}
