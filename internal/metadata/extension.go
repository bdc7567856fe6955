package metadata

// extendedHandshake is the BEP-10 extended handshake payload (msg id
// 20, sub-id 0). Only the fields the ut_metadata exchange needs are
// modeled, the same trimming-to-what's-needed approach the reference
// client's ExtensionHandshakeMessage takes.
type extendedHandshake struct {
	M            map[string]int `bencode:"m"`
	Port         int            `bencode:"p,omitempty"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
	Version      string         `bencode:"v,omitempty"`
}

// metadataMessage is the bencoded header preceding a ut_metadata
// piece's raw payload (request/data/reject), BEP-9 §"Messages".
type metadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

const (
	metadataMsgTypeRequest = 0
	metadataMsgTypeData    = 1
	metadataMsgTypeReject  = 2
)

const utMetadataKey = "ut_metadata"
