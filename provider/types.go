// Package provider implements the typed HTTP client for the Novita GPU
// instance API.
//
// Purpose:
//   - Mediates every outbound call behind three interposing layers: the
//     request pacer, the circuit breaker, and the retry loop
//   - Translates provider wire shapes (grouped ports, string-or-number
//     template IDs, epoch-string timestamps) into the internal model
//   - Surfaces failures in the control plane's error taxonomy
//
// Scope:
//   - Wire types and the Client; product/template caching on the read paths
//   - No instance state: the state store owns the authoritative records
package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gpufleet/gpufleet/core"
)

// FlexID accepts a JSON string or number and canonicalizes to string. The
// provider serializes template IDs and error codes both ways.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = FlexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// String returns the canonical string form.
func (f FlexID) String() string { return string(f) }

// ProductFilter narrows a product listing.
type ProductFilter struct {
	Name          string
	Region        string
	BillingMethod string
}

// Product is one purchasable GPU product in one region.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Region        string  `json:"region"`
	BillingMethod string  `json:"billingMethod"`
	Price         float64 `json:"price"`
	AvailableGPUs int     `json:"availableGpuNumber"`
}

// Available reports whether the product currently has deployable capacity.
func (p Product) Available() bool { return p.AvailableGPUs > 0 }

type productsResponse struct {
	Data []Product `json:"data"`
}

// PortGroup is the provider's grouped port declaration: one transport type
// with all its ports.
type PortGroup struct {
	Type  string `json:"type"`
	Ports []int  `json:"ports"`
}

// Template is a provider instance template. The provider returns the ID in
// "Id" and the image URL in "image".
type Template struct {
	ID        FlexID        `json:"Id"`
	Name      string        `json:"name"`
	Image     string        `json:"image"`
	ImageAuth string        `json:"imageAuth,omitempty"` // registry-auth credential reference
	Ports     []PortGroup   `json:"ports"`
	Envs      []core.EnvVar `json:"envs"`
}

// FlattenPorts converts the grouped declaration into flat {port, type} pairs
// in declaration order.
func (t *Template) FlattenPorts() []core.PortMapping {
	var out []core.PortMapping
	for _, group := range t.Ports {
		for _, port := range group.Ports {
			out = append(out, core.PortMapping{Port: port, Type: group.Type})
		}
	}
	return out
}

type templateResponse struct {
	Template Template `json:"template"`
}

// RegistryAuth is one stored container-registry credential. Password is
// never logged.
type RegistryAuth struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type registryAuthsResponse struct {
	Data []RegistryAuth `json:"data"`
}

// CreateInstanceRequest creates one instance. ImageAuth carries the resolved
// "user:pass" credential when the template references a private registry.
type CreateInstanceRequest struct {
	Name          string        `json:"name"`
	ProductID     string        `json:"productId"`
	GPUNum        int           `json:"gpuNum"`
	RootfsSize    int           `json:"rootfsSize"`
	ImageURL      string        `json:"imageUrl"`
	ImageAuth     string        `json:"imageAuth,omitempty"`
	Ports         string        `json:"ports,omitempty"` // comma-separated, e.g. "8888/http,22/tcp"
	Envs          []core.EnvVar `json:"envs,omitempty"`
	BillingMethod string        `json:"billingMethod,omitempty"`
	Kind          string        `json:"kind,omitempty"`
}

type createInstanceResponse struct {
	ID string `json:"id"`
}

// Instance is the provider's view of one instance. Timestamps arrive as
// epoch-second strings; "0" means unset.
type Instance struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Status          string             `json:"status"`
	ProductID       string             `json:"productId"`
	Region          string             `json:"region"`
	IP              string             `json:"ip"` // public connect address, empty until running
	ImageURL        string             `json:"imageUrl"`
	GPUNum          int                `json:"gpuNum"`
	RootfsSize      int                `json:"rootfsSize"`
	PortMappings    []core.PortMapping `json:"portMappings"`
	Envs            []core.EnvVar      `json:"envs"`
	SpotStatus      string             `json:"spotStatus"`
	SpotReclaimTime string             `json:"spotReclaimTime"`
	CreatedAt       string             `json:"createdAt"`
	StartedAt       string             `json:"startedAt"`
	StoppedAt       string             `json:"stoppedAt"`
}

// SpotReclaimed reports whether the provider exited this instance to reclaim
// spot capacity. A normal user stop also lands in "exited" but carries a
// zero reclaim time and no spot status.
func (i Instance) SpotReclaimed() bool {
	return i.Status == "exited" && i.SpotReclaimTime != "" && i.SpotReclaimTime != "0" && i.SpotStatus != ""
}

// EpochTime parses one of the epoch-second string fields. Returns zero for
// unset ("" or "0") or malformed values.
func EpochTime(s string) int64 {
	if s == "" || s == "0" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// InstancePage is one page of a provider instance listing.
type InstancePage struct {
	Instances []Instance `json:"instances"`
	Total     int        `json:"total"`
}

// Job is a provider-side asynchronous job record.
type Job struct {
	ID        string `json:"Id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
}

type jobsResponse struct {
	Jobs []Job `json:"jobs"`
}

type migrateResponse struct {
	InstanceID string `json:"instanceId"` // the replacement instance
}

// apiError is the provider's error envelope.
type apiError struct {
	Code    FlexID `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func (e apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Reason
}
