package device

import (
	"fmt"
	"strings"
)

// Kind is the personality a device enumerates with.
type Kind int

const (
	KindUnknown Kind = iota
	KindApplication
	KindBootloader
)

func (k Kind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindBootloader:
		return "bootloader"
	}
	return "unknown"
}

// Identity describes a connected device. It does not change while connected.
type Identity struct {
	Product      string `json:"productName"`
	Serial       string `json:"serialNumber"`
	Manufacturer string `json:"manufacturerName"`
	VendorID     uint16 `json:"vendorId"`
	ProductID    uint16 `json:"productId"`
}

// Equal reports whether two identities describe the same physical device.
func (id Identity) Equal(o Identity) bool {
	return id == o
}

// String renders the descriptor line shown to users.
func (id Identity) String() string {
	var parts []string
	for _, p := range []string{id.Manufacturer, id.Product} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	name := strings.Join(parts, " ")
	if name == "" {
		name = "device"
	}
	s := fmt.Sprintf("%s [%04x:%04x]", name, id.VendorID, id.ProductID)
	if id.Serial != "" {
		s += " s/n " + id.Serial
	}
	return s
}

// ProductIDs maps product ids to device kinds.
type ProductIDs struct {
	Application uint16
	Bootloader  uint16
}

// DefaultProductIDs are the ids the recorder ships with.
var DefaultProductIDs = ProductIDs{Application: 0xBABA, Bootloader: 0xDEDA}

// Resolve returns the kind for pid.
func (p ProductIDs) Resolve(pid uint16) (Kind, error) {
	switch pid {
	case p.Application:
		return KindApplication, nil
	case p.Bootloader:
		return KindBootloader, nil
	}
	return KindUnknown, fmt.Errorf("%w: unknown product id 0x%04x", ErrWrongDeviceType, pid)
}
