// Package gdepth builds "3D photos": baseline JPEGs carrying a depth map in
// an XMP APP1 segment following the Google GDepth convention
// (http://ns.google.com/photos/1.0/depthmap/), so compatible viewers can
// render parallax effects while ordinary JPEG readers see a normal photo.
package gdepth

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
)

// NamespaceURI is the GDepth XMP namespace this package targets. Field names
// and the RangeLinear format follow the published Google depth-map metadata
// convention; compatibility with third-party viewers depends on matching it
// exactly.
const NamespaceURI = "http://ns.google.com/photos/1.0/depthmap/"

// xmpHeader prefixes every XMP APP1 payload.
const xmpHeader = "http://ns.adobe.com/xap/1.0/\x00"

// buildXMPPacket renders the GDepth XMP packet around a base64 PNG payload.
// Near=0 / Far=1 with RangeLinear describes the normalized 8-bit map.
func buildXMPPacket(depthPNG []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString(depthPNG)
	packet := `<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description xmlns:GDepth="` + NamespaceURI + `"
     GDepth:Format="RangeLinear"
     GDepth:Near="0"
     GDepth:Far="1"
     GDepth:Mime="image/png">
      <GDepth:Data>` + b64 + `</GDepth:Data>
  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>`
	return []byte(packet)
}

// Metadata is the depth metadata recovered from a 3D photo.
type Metadata struct {
	Format string
	Near   float64
	Far    float64
	Mime   string
	// DepthPNG is the decoded depth-map image payload.
	DepthPNG []byte
}

// xmpDocument mirrors the subset of the packet we read back.
type xmpDocument struct {
	XMLName     xml.Name `xml:"xmpmeta"`
	Description struct {
		Format   string  `xml:"http://ns.google.com/photos/1.0/depthmap/ Format,attr"`
		Near     float64 `xml:"http://ns.google.com/photos/1.0/depthmap/ Near,attr"`
		Far      float64 `xml:"http://ns.google.com/photos/1.0/depthmap/ Far,attr"`
		Mime     string  `xml:"http://ns.google.com/photos/1.0/depthmap/ Mime,attr"`
		DataElem string  `xml:"http://ns.google.com/photos/1.0/depthmap/ Data"`
		DataAttr string  `xml:"http://ns.google.com/photos/1.0/depthmap/ Data,attr"`
	} `xml:"RDF>Description"`
}

// parseXMPPacket extracts GDepth metadata from a raw XMP packet. It accepts
// the depth payload either as an element (this package's output) or as an
// attribute (some camera apps write it that way).
func parseXMPPacket(packet []byte) (*Metadata, error) {
	var doc xmpDocument
	if err := xml.Unmarshal(packet, &doc); err != nil {
		return nil, fmt.Errorf("gdepth: parse xmp: %w", err)
	}
	desc := doc.Description
	data := desc.DataElem
	if data == "" {
		data = desc.DataAttr
	}
	if data == "" {
		return nil, fmt.Errorf("gdepth: xmp packet has no depth payload")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("gdepth: decode depth payload: %w", err)
	}
	return &Metadata{
		Format:   desc.Format,
		Near:     desc.Near,
		Far:      desc.Far,
		Mime:     desc.Mime,
		DepthPNG: raw,
	}, nil
}
