package topology

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/control"
	"github.com/castbridge/castbridge/internal/discovery"
)

const (
	topologyNS   = "urn:schemas-upnp-org:service:ZoneGroupTopology:1"
	topologyPath = "/ZoneGroupTopology/Control"
)

// ErrNoDevicesAvailable indicates no device IP was supplied and discovery
// found nothing to ask.
var ErrNoDevicesAvailable = errors.New("no devices available")

// Member is one physical unit inside a group.
type Member struct {
	UUID        string
	IP          string
	DisplayName string
	ModelLabel  string
}

// Group is a coordinator plus zero or more satellite members. ID equals the
// coordinator UUID. Groups are recomputed wholesale on every fetch.
type Group struct {
	ID            string
	DisplayName   string
	CoordinatorID string
	CoordinatorIP string
	Members       []Member
}

// DeviceFinder supplies a device to query when the caller has none.
type DeviceFinder interface {
	Discover(ctx context.Context, forceRefresh bool) []discovery.Device
}

// Resolver fetches and parses a device's group topology.
type Resolver struct {
	control control.Sender
	finder  DeviceFinder
	logger  *zap.Logger
}

// NewResolver creates a resolver. finder may be nil when callers always
// supply a device IP.
func NewResolver(sender control.Sender, finder DeviceFinder, logger *zap.Logger) *Resolver {
	return &Resolver{control: sender, finder: finder, logger: logger}
}

// Groups fetches the current group set. Any member of the mesh can answer;
// deviceIP may be empty, in which case discovery picks one.
func (r *Resolver) Groups(ctx context.Context, deviceIP string) ([]Group, error) {
	if deviceIP == "" {
		if r.finder == nil {
			return nil, ErrNoDevicesAvailable
		}
		devices := r.finder.Discover(ctx, false)
		if len(devices) == 0 {
			return nil, ErrNoDevicesAvailable
		}
		deviceIP = devices[0].IP
	}

	body, err := r.control.Send(ctx, deviceIP, topologyPath, topologyNS, "GetZoneGroupState", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching topology from %s: %w", deviceIP, err)
	}

	// The group state document is itself XML-escaped inside the envelope.
	escaped, ok := control.ExtractTag(body, "ZoneGroupState")
	if !ok {
		return nil, fmt.Errorf("topology response from %s missing group state", deviceIP)
	}
	groups := parseGroupState(control.UnescapeXML(escaped), r.logger)
	return groups, nil
}

// Regex-based parsing is deliberate: the payload shape is narrow and stable,
// and elements that do not match are skipped individually instead of
// aborting the whole parse. Swapping in a real XML parser only requires
// replacing parseGroupState.
var (
	groupRe  = regexp.MustCompile(`(?s)<ZoneGroup\s+([^>]*?)>(.*?)</ZoneGroup>`)
	memberRe = regexp.MustCompile(`<ZoneGroupMember\s+([^>]*?)/?>`)
	attrRe   = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

func parseGroupState(doc string, logger *zap.Logger) []Group {
	var groups []Group
	for _, gm := range groupRe.FindAllStringSubmatch(doc, -1) {
		groupAttrs := parseAttrs(gm[1])
		coordinator := groupAttrs["Coordinator"]
		if coordinator == "" {
			logger.Debug("topology: skipping group without coordinator")
			continue
		}

		var members []Member
		for _, mm := range memberRe.FindAllStringSubmatch(gm[2], -1) {
			m, ok := parseMember(parseAttrs(mm[1]))
			if !ok {
				continue
			}
			members = append(members, m)
		}
		if len(members) == 0 {
			// Bridge-only or malformed group: nothing can render audio.
			continue
		}

		coordinatorIP := ""
		for _, m := range members {
			if m.UUID == coordinator {
				coordinatorIP = m.IP
				break
			}
		}
		if coordinatorIP == "" {
			logger.Debug("topology: dropping group whose coordinator cannot render",
				zap.String("coordinator", coordinator))
			continue
		}

		groups = append(groups, Group{
			ID:            coordinator,
			DisplayName:   joinNames(members),
			CoordinatorID: coordinator,
			CoordinatorIP: coordinatorIP,
			Members:       members,
		})
	}
	return groups
}

func parseMember(attrs map[string]string) (Member, bool) {
	if attrs["IsZoneBridge"] == "1" {
		// Bridge infrastructure cannot render audio and never appears
		// in a group.
		return Member{}, false
	}
	uuid := attrs["UUID"]
	ip := hostFromLocation(attrs["Location"])
	if uuid == "" || ip == "" {
		return Member{}, false
	}
	return Member{
		UUID:        uuid,
		IP:          ip,
		DisplayName: control.UnescapeXML(attrs["ZoneName"]),
		ModelLabel:  modelFromIcon(attrs["Icon"]),
	}, true
}

func parseAttrs(s string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func hostFromLocation(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// modelFromIcon derives a human-readable model label from the icon
// identifier, e.g. "x-rincon-roomicon:living" -> "living".
func modelFromIcon(icon string) string {
	if idx := strings.LastIndex(icon, ":"); idx >= 0 {
		return icon[idx+1:]
	}
	return icon
}

// joinNames synthesizes the group display name from its member names; the
// device-supplied group name is ignored.
func joinNames(members []Member) string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.DisplayName)
	}
	return strings.Join(names, " + ")
}
