package control

import "testing"

func TestEscapeXML_AllFiveMetacharacters(t *testing.T) {
	in := `a<b>c&d"e'f`
	want := `a&lt;b&gt;c&amp;d&quot;e&apos;f`
	if got := EscapeXML(in); got != want {
		t.Errorf("EscapeXML(%q) = %q, want %q", in, got, want)
	}
}

func TestUnescapeXML_RoundTrip(t *testing.T) {
	in := `<Track val="it's &amp; that">`
	if got := UnescapeXML(EscapeXML(in)); got != in {
		t.Errorf("round trip = %q, want %q", got, in)
	}
}

func TestUnescapeXML_DoubleEncoded(t *testing.T) {
	// Topology payloads arrive escaped inside an outer envelope.
	outer := EscapeXML(`<ZoneGroups><ZoneGroup Coordinator="RINCON_1"/></ZoneGroups>`)
	inner := UnescapeXML(outer)
	if inner != `<ZoneGroups><ZoneGroup Coordinator="RINCON_1"/></ZoneGroups>` {
		t.Errorf("unexpected inner document: %q", inner)
	}
}

func TestExtractTag(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		tag    string
		want   string
		wantOK bool
	}{
		{"simple", "<a><b>val</b></a>", "b", "val", true},
		{"with attributes", `<b attr="x">val</b>`, "b", "val", true},
		{"missing", "<a>val</a>", "b", "", false},
		{"first of duplicates", "<b>one</b><b>two</b>", "b", "one", true},
		{"nested same name takes first", "<b>outer<b>inner</b></b>", "b", "outer<b>inner", true},
		{"self closing", `<b/>`, "b", "", true},
		{"unterminated", "<b>val", "b", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractTag(tt.doc, tt.tag)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractTag(%q, %q) = (%q, %v), want (%q, %v)", tt.doc, tt.tag, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
