package containerizer

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"

	"stackctl/internal/config"
)

// PortMapping is one parsed "[host_ip:][host_port:]container_port[/proto]" entry.
type PortMapping struct {
	HostIP        string
	HostPort      string
	ContainerPort uint16
	Protocol      string
}

// ParsePort parses the compose short syntax for a published port.
func ParsePort(raw string) (PortMapping, error) {
	spec := strings.TrimSpace(raw)
	pm := PortMapping{Protocol: "tcp"}

	if body, proto, ok := strings.Cut(spec, "/"); ok {
		switch proto {
		case "tcp", "udp", "sctp":
			pm.Protocol = proto
		default:
			return PortMapping{}, fmt.Errorf("invalid protocol in port %q", raw)
		}
		spec = body
	}

	var containerPart string
	// An IPv6 host IP is bracketed: [::1]:8080:80
	if strings.HasPrefix(spec, "[") {
		end := strings.Index(spec, "]")
		if end < 0 {
			return PortMapping{}, fmt.Errorf("invalid port %q", raw)
		}
		pm.HostIP = spec[1:end]
		rest := strings.Split(strings.TrimPrefix(spec[end+1:], ":"), ":")
		if len(rest) != 2 {
			return PortMapping{}, fmt.Errorf("invalid port %q", raw)
		}
		pm.HostPort, containerPart = rest[0], rest[1]
	} else {
		parts := strings.Split(spec, ":")
		switch len(parts) {
		case 1:
			containerPart = parts[0]
		case 2:
			pm.HostPort, containerPart = parts[0], parts[1]
		case 3:
			pm.HostIP, pm.HostPort, containerPart = parts[0], parts[1], parts[2]
		default:
			return PortMapping{}, fmt.Errorf("invalid port %q", raw)
		}
	}

	port, err := strconv.ParseUint(containerPart, 10, 16)
	if err != nil || port == 0 {
		return PortMapping{}, fmt.Errorf("invalid container port in %q", raw)
	}
	pm.ContainerPort = uint16(port)

	if pm.HostPort != "" {
		if hp, err := strconv.ParseUint(pm.HostPort, 10, 16); err != nil || hp == 0 {
			return PortMapping{}, fmt.Errorf("invalid host port in %q", raw)
		}
	}
	if pm.HostIP != "" {
		if _, err := netip.ParseAddr(pm.HostIP); err != nil {
			return PortMapping{}, fmt.Errorf("invalid host ip in %q: %w", raw, err)
		}
	}
	return pm, nil
}

// portBindings converts published ports into the engine's exposed set and
// binding map.
func portBindings(ports []string) (network.PortSet, network.PortMap, error) {
	exposed := network.PortSet{}
	bindings := network.PortMap{}

	for _, raw := range ports {
		pm, err := ParsePort(raw)
		if err != nil {
			return nil, nil, err
		}
		port, ok := network.PortFrom(pm.ContainerPort, network.IPProtocol(pm.Protocol))
		if !ok {
			return nil, nil, fmt.Errorf("invalid port %q", raw)
		}
		exposed[port] = struct{}{}

		if pm.HostPort == "" {
			continue
		}
		hostIP := pm.HostIP
		if hostIP == "" {
			hostIP = "0.0.0.0"
		}
		addr, err := netip.ParseAddr(hostIP)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid host ip %q: %w", hostIP, err)
		}
		bindings[port] = append(bindings[port], network.PortBinding{
			HostIP:   addr,
			HostPort: pm.HostPort,
		})
	}
	return exposed, bindings, nil
}

// volumeMounts turns volume declarations into engine mounts. Sources that
// look like paths become bind mounts (relative ones resolved against
// baseDir); anything else is a named volume scoped to the stack.
func volumeMounts(stack, baseDir string, volumes []config.VolumeMount) ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(volumes))
	for _, v := range volumes {
		if !filepath.IsAbs(v.Target) {
			return nil, fmt.Errorf("volume target %q must be absolute", v.Target)
		}
		m := mount.Mount{Target: v.Target, ReadOnly: v.ReadOnly}

		switch {
		case isPathSource(v.Source):
			src, err := expandPath(baseDir, v.Source)
			if err != nil {
				return nil, err
			}
			m.Type = mount.TypeBind
			m.Source = src
		default:
			m.Type = mount.TypeVolume
			m.Source = VolumeName(stack, v.Source)
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// VolumeName scopes a named volume to the stack.
func VolumeName(stack, name string) string {
	if stack == "" {
		return name
	}
	return sanitizeName(stack) + "_" + name
}

func isPathSource(src string) bool {
	return strings.HasPrefix(src, "/") || strings.HasPrefix(src, ".") || strings.HasPrefix(src, "~")
}

func expandPath(baseDir, src string) (string, error) {
	if strings.HasPrefix(src, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", src, err)
		}
		src = filepath.Join(home, strings.TrimPrefix(src, "~"))
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(baseDir, src)
	}
	return filepath.Abs(src)
}

// sanitizeName keeps characters the engine accepts in object names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
