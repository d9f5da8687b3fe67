package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "service-core/errors"
	"service-core/internal/unit"
)

// UnitFile is the YAML projection of a unit definition this core accepts
// in place of ini-style unit files (§1 Non-goal: no .service/.socket
// file-format parser). It maps directly onto internal/unit.Unit's
// Common/kind-specific split rather than translating any foreign syntax.
type UnitFile struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // "service", "socket", "target", "slice", "mount", "device"
	Description string   `yaml:"description"`

	Wants    []string `yaml:"wants"`
	Requires []string `yaml:"requires"`
	BindsTo  []string `yaml:"binds_to"`
	PartOf   []string `yaml:"part_of"`
	Conflicts []string `yaml:"conflicts"`
	Before   []string `yaml:"before"`
	After    []string `yaml:"after"`

	StartLimitIntervalSec time.Duration `yaml:"start_limit_interval"`
	StartLimitBurst       int           `yaml:"start_limit_burst"`

	Service *ServiceSpec `yaml:"service,omitempty"`
	Socket  *SocketSpec  `yaml:"socket,omitempty"`
	Mount   *MountSpec   `yaml:"mount,omitempty"`
}

// ServiceSpec is the YAML body of a Type=service unit.
type ServiceSpec struct {
	Type string `yaml:"type"` // "simple", "forking", "oneshot", "notify", ...

	Command          []string `yaml:"command"`
	WorkingDirectory string   `yaml:"working_directory"`
	Environment      []string `yaml:"environment"`

	User  string `yaml:"user"`
	Group string `yaml:"group"`

	RestartMode string        `yaml:"restart"` // "no", "on-failure", "always", ...
	RestartSec  time.Duration `yaml:"restart_sec"`

	PrivateTmp     bool `yaml:"private_tmp"`
	PrivateNetwork bool `yaml:"private_network"`
	NoNewPrivileges bool `yaml:"no_new_privileges"`

	Sockets []string `yaml:"sockets"`
}

// SocketSpec is the YAML body of a Type=socket unit.
type SocketSpec struct {
	ListenStream   []string `yaml:"listen_stream"`
	ListenDatagram []string `yaml:"listen_datagram"`

	Accept                  bool `yaml:"accept"`
	MaxConnections          int  `yaml:"max_connections"`
	MaxConnectionsPerSource int  `yaml:"max_connections_per_source"`

	Service string `yaml:"service"`
}

// MountSpec is the YAML body of a Type=mount unit.
type MountSpec struct {
	What    string   `yaml:"what"`
	Where   string   `yaml:"where"`
	Type    string   `yaml:"type"`
	Options []string `yaml:"options"`

	LazyUnmount   bool `yaml:"lazy_unmount"`
	ForceUnmount  bool `yaml:"force_unmount"`
	Sloppy        bool `yaml:"sloppy"`
	ReadWriteOnly bool `yaml:"read_write_only"`
}

// LoadUnits parses a YAML document holding a list of unit definitions.
func LoadUnits(path string) ([]*unit.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrResource, "read unit file")
	}
	var files []UnitFile
	if err := yaml.Unmarshal(data, &files); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInvalidConfig, "parse unit file")
	}

	out := make([]*unit.Unit, 0, len(files))
	for _, f := range files {
		u, err := f.toUnit()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *UnitFile) toUnit() (*unit.Unit, error) {
	if f.Name == "" {
		return nil, cerrors.New(cerrors.ErrInvalidConfig, "load unit", "unit definition missing name")
	}
	kind := unit.Kind(f.Kind)
	switch kind {
	case unit.KindService, unit.KindSocket, unit.KindTarget, unit.KindSlice, unit.KindMount, unit.KindDevice:
	default:
		return nil, cerrors.New(cerrors.ErrInvalidConfig, "load unit", fmt.Sprintf("%s: unknown kind %q", f.Name, f.Kind))
	}

	u := unit.NewUnit(f.Name, kind)
	u.Description = f.Description
	u.Deps = unit.Dependencies{
		Wants:     f.Wants,
		Requires:  f.Requires,
		BindsTo:   f.BindsTo,
		PartOf:    f.PartOf,
		Conflicts: f.Conflicts,
		Before:    f.Before,
		After:     f.After,
	}
	u.Lifecycle.StartLimitInterval = f.StartLimitIntervalSec
	u.Lifecycle.StartLimitBurst = f.StartLimitBurst

	switch kind {
	case unit.KindService:
		if f.Service == nil {
			return nil, cerrors.New(cerrors.ErrInvalidConfig, "load unit", fmt.Sprintf("%s: service unit missing service: block", f.Name))
		}
		u.Service = &unit.ServiceConfig{
			Type:    f.Service.Type,
			Sockets: f.Service.Sockets,
			Restart: unit.RestartPolicy{Mode: f.Service.RestartMode, Sec: f.Service.RestartSec},
			Exec: unit.ExecConfig{
				Command:          f.Service.Command,
				WorkingDirectory: f.Service.WorkingDirectory,
				Environment:      f.Service.Environment,
				User:             f.Service.User,
				Group:            f.Service.Group,
				NoNewPrivileges:  f.Service.NoNewPrivileges,
				IgnoreSIGPIPE:    true,
				Namespaces: unit.NamespaceToggles{
					PrivateTmp:     f.Service.PrivateTmp,
					PrivateNetwork: f.Service.PrivateNetwork,
				},
			},
		}
	case unit.KindSocket:
		if f.Socket == nil {
			return nil, cerrors.New(cerrors.ErrInvalidConfig, "load unit", fmt.Sprintf("%s: socket unit missing socket: block", f.Name))
		}
		sock := &unit.SocketConfig{
			Accept:                  f.Socket.Accept,
			MaxConnections:          f.Socket.MaxConnections,
			MaxConnectionsPerSource: f.Socket.MaxConnectionsPerSource,
			Service:                 f.Socket.Service,
		}
		for _, addr := range f.Socket.ListenStream {
			sock.Listeners = append(sock.Listeners, unit.SingleSocketConfig{Kind: "stream", Address: addr})
		}
		for _, addr := range f.Socket.ListenDatagram {
			sock.Listeners = append(sock.Listeners, unit.SingleSocketConfig{Kind: "datagram", Address: addr})
		}
		u.Socket = sock
	case unit.KindMount:
		if f.Mount == nil {
			return nil, cerrors.New(cerrors.ErrInvalidConfig, "load unit", fmt.Sprintf("%s: mount unit missing mount: block", f.Name))
		}
		u.Mount = &unit.MountConfig{
			What:          f.Mount.What,
			Where:         f.Mount.Where,
			Type:          f.Mount.Type,
			Options:       f.Mount.Options,
			LazyUnmount:   f.Mount.LazyUnmount,
			ForceUnmount:  f.Mount.ForceUnmount,
			Sloppy:        f.Mount.Sloppy,
			ReadWriteOnly: f.Mount.ReadWriteOnly,
		}
	case unit.KindTarget:
		u.Target = &unit.TargetConfig{}
	case unit.KindSlice:
		u.Slice = &unit.SliceConfig{}
	case unit.KindDevice:
		u.Device = &unit.DeviceConfig{}
	}
	return u, nil
}
