package conf

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestParsePoolDefinition_Full(t *testing.T) {
	xml := `<pool type="dir">
  <name>images</name>
  <uuid>4b1ef98c-fc66-4c59-9b29-4ce931f6a05c</uuid>
  <capacity unit="GiB">100</capacity>
  <allocation unit="GiB">25</allocation>
  <available unit="GiB">75</available>
  <target>
    <path>/var/lib/cistern/images</path>
  </target>
</pool>`

	def, err := ParsePoolDefinition(xml)
	if err != nil {
		t.Fatalf("ParsePoolDefinition failed: %v", err)
	}

	if def.Name != "images" {
		t.Errorf("Expected name 'images', got %q", def.Name)
	}
	if def.Type != PoolTypeDir {
		t.Errorf("Expected type dir, got %q", def.Type)
	}
	if def.UUID.String() != "4b1ef98c-fc66-4c59-9b29-4ce931f6a05c" {
		t.Errorf("Unexpected UUID %s", def.UUID)
	}
	if def.Target != "/var/lib/cistern/images" {
		t.Errorf("Unexpected target %q", def.Target)
	}
	if def.Capacity != 100<<30 {
		t.Errorf("Expected capacity %d, got %d", uint64(100)<<30, def.Capacity)
	}
	if def.Allocation != 25<<30 {
		t.Errorf("Expected allocation %d, got %d", uint64(25)<<30, def.Allocation)
	}
	if def.Available != 75<<30 {
		t.Errorf("Expected available %d, got %d", uint64(75)<<30, def.Available)
	}
}

func TestParsePoolDefinition_GeneratesUUID(t *testing.T) {
	xml := `<pool type="dir"><name>p</name><target><path>/p</path></target></pool>`

	def, err := ParsePoolDefinition(xml)
	if err != nil {
		t.Fatalf("ParsePoolDefinition failed: %v", err)
	}
	if def.UUID == uuid.Nil {
		t.Error("Expected a generated UUID")
	}
}

func TestParsePoolDefinition_NetFSSource(t *testing.T) {
	xml := `<pool type="netfs">
  <name>shared</name>
  <source>
    <host name="nfs.example.com"/>
    <dir path="/exports/images"/>
  </source>
  <target><path>/mnt/shared</path></target>
</pool>`

	def, err := ParsePoolDefinition(xml)
	if err != nil {
		t.Fatalf("ParsePoolDefinition failed: %v", err)
	}
	if def.Source.Host != "nfs.example.com" {
		t.Errorf("Unexpected source host %q", def.Source.Host)
	}
	if def.Source.Dir != "/exports/images" {
		t.Errorf("Unexpected source dir %q", def.Source.Dir)
	}
}

func TestParsePoolDefinition_Errors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{"not xml", "not xml at all"},
		{"missing name", `<pool type="dir"><target><path>/p</path></target></pool>`},
		{"bad uuid", `<pool type="dir"><name>p</name><uuid>zzz</uuid></pool>`},
		{"bad unit", `<pool type="dir"><name>p</name><capacity unit="XB">5</capacity></pool>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePoolDefinition(tt.xml); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestPoolDefinition_XMLRoundTrip(t *testing.T) {
	def := &PoolDefinition{
		Name:       "round",
		UUID:       uuid.New(),
		Type:       PoolTypeDir,
		Target:     "/var/lib/cistern/round",
		Capacity:   1 << 30,
		Allocation: 1 << 20,
		Available:  (1 << 30) - (1 << 20),
	}

	xml, err := def.XML()
	if err != nil {
		t.Fatalf("XML failed: %v", err)
	}
	if strings.HasPrefix(xml, "<?xml") {
		t.Error("Expected the XML declaration to be stripped")
	}

	parsed, err := ParsePoolDefinition(xml)
	if err != nil {
		t.Fatalf("ParsePoolDefinition failed: %v", err)
	}
	if *parsed != *def {
		t.Errorf("Round trip mismatch:\n got %+v\nwant %+v", parsed, def)
	}
}

func TestParseVolumeDefinition(t *testing.T) {
	xml := `<volume>
  <name>disk0.qcow2</name>
  <capacity unit="G">10</capacity>
  <allocation unit="M">512</allocation>
  <target>
    <format type="qcow2"/>
  </target>
  <backingStore>
    <path>/var/lib/cistern/images/base.qcow2</path>
    <format type="qcow2"/>
  </backingStore>
</volume>`

	def, err := ParseVolumeDefinition(xml)
	if err != nil {
		t.Fatalf("ParseVolumeDefinition failed: %v", err)
	}

	if def.Name != "disk0.qcow2" {
		t.Errorf("Unexpected name %q", def.Name)
	}
	if def.Target.Format != FormatQCOW2 {
		t.Errorf("Expected qcow2 format, got %q", def.Target.Format)
	}
	if def.Target.Capacity != 10<<30 {
		t.Errorf("Expected capacity %d, got %d", uint64(10)<<30, def.Target.Capacity)
	}
	if def.Target.Allocation != 512<<20 {
		t.Errorf("Expected allocation %d, got %d", uint64(512)<<20, def.Target.Allocation)
	}
	if def.BackingPath != "/var/lib/cistern/images/base.qcow2" {
		t.Errorf("Unexpected backing path %q", def.BackingPath)
	}
	if def.BackingFormat != FormatQCOW2 {
		t.Errorf("Unexpected backing format %q", def.BackingFormat)
	}
}

func TestParseVolumeDefinition_DefaultsToRaw(t *testing.T) {
	xml := `<volume><name>v</name><capacity>1024</capacity></volume>`

	def, err := ParseVolumeDefinition(xml)
	if err != nil {
		t.Fatalf("ParseVolumeDefinition failed: %v", err)
	}
	if def.Target.Format != FormatRaw {
		t.Errorf("Expected raw format default, got %q", def.Target.Format)
	}
}

func TestParseVolumeDefinition_RequiresCapacity(t *testing.T) {
	xml := `<volume><name>v</name></volume>`
	if _, err := ParseVolumeDefinition(xml); err == nil {
		t.Error("Expected an error for missing capacity")
	}
}

func TestVolumeDefinition_Shallow(t *testing.T) {
	vol := &VolumeDefinition{
		Name:     "v",
		Key:      "/pool/v",
		Building: true,
		InUse:    2,
		Target:   VolumeTarget{Capacity: 1024, Allocation: 512},
	}

	c := vol.Shallow()
	if c.Building || c.InUse != 0 {
		t.Error("Expected runtime flags to be cleared")
	}
	if c.Name != vol.Name || c.Key != vol.Key || c.Target != vol.Target {
		t.Error("Expected definition fields to be copied")
	}

	c.Target.Capacity = 4096
	if vol.Target.Capacity != 1024 {
		t.Error("Expected the copy to be independent")
	}
}
