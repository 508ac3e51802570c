package descriptor

import jsoniter "github.com/json-iterator/go"

// Lineage link roles.
const (
	RoleSource    = "src"
	RoleTarget    = "target"
	RoleSymmetric = "symmetric"
)

// LinkPayload is the JSON-encoded value carried by a link descriptor: it
// names the peer selector/uuid and the role this half of the link plays.
type LinkPayload struct {
	Peer     string `json:"peer"`
	PeerUUID string `json:"peer_uuid"`
	Role     string `json:"role"`
	LinkType string `json:"link_type"`
}

// CreateLinks builds the two link descriptors relating a and b, filed
// under "/link/<agent>/<type>" in a's and b's uuid respectively. When
// symmetric is true both halves carry RoleSymmetric; otherwise a is
// tagged RoleSource and b RoleTarget.
func CreateLinks(a, b *Descriptor, agent, linkType string, symmetric bool) (linkA, linkB *Descriptor, err error) {
	roleA, roleB := RoleSource, RoleTarget
	if symmetric {
		roleA, roleB = RoleSymmetric, RoleSymmetric
	}

	selPrefix := "/link/" + agent + "/" + linkType

	payloadA := LinkPayload{Peer: b.Selector, PeerUUID: b.UUID, Role: roleA, LinkType: linkType}
	payloadB := LinkPayload{Peer: a.Selector, PeerUUID: a.UUID, Role: roleB, LinkType: linkType}

	valueA, err := marshalLink(payloadA)
	if err != nil {
		return nil, nil, err
	}
	valueB, err := marshalLink(payloadB)
	if err != nil {
		return nil, nil, err
	}

	linkA, err = a.Spawn(selPrefix, valueA, agent)
	if err != nil {
		return nil, nil, err
	}
	linkB, err = b.Spawn(selPrefix, valueB, agent)
	if err != nil {
		return nil, nil, err
	}
	// Each link descriptor is filed under its own sample: linkA belongs to
	// a's uuid (already inherited by Spawn), linkB to b's.
	return linkA, linkB, nil
}

var linkJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func marshalLink(p LinkPayload) ([]byte, error) {
	return linkJSON.Marshal(p)
}
