package telephony

import (
	"encoding/xml"
	"fmt"
)

// connectDocument is the provider's call-control XML telling it to open a
// bidirectional media stream against our WebSocket endpoint.
type connectDocument struct {
	XMLName xml.Name `xml:"Response"`
	Connect struct {
		Stream struct {
			URL string `xml:"url,attr"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

// ConnectDocument renders the XML instructing the provider to stream the
// call's media to streamURL. streamURL carries the signed stream token
// binding the media stream to its call.
func ConnectDocument(streamURL string) ([]byte, error) {
	var doc connectDocument
	doc.Connect.Stream.URL = streamURL

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render connect document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
