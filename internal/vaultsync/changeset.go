package vaultsync

import (
	"encoding/json"

	"github.com/golang/snappy"
)

const defaultChunkSize = 4096

// ContentChunk is one fixed-size, sha256-addressed slice of document content.
// Only chunks whose hash changed since the last committed sync are transmitted.
type ContentChunk struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Data  []byte `json:"data"`
}

// Changeset is the minimal delta shipped to the cloud store: changed metadata
// fields always, changed content chunks only for FULL_SYNC documents.
type Changeset struct {
	OperationID       string            `json:"operationId"`
	DocumentID        string            `json:"documentId"`
	Type              SyncType          `json:"type"`
	BaseRemoteVersion string            `json:"baseRemoteVersion"`
	ContentHash       string            `json:"contentHash"`
	MetadataFields    map[string]string `json:"metadataFields,omitempty"`
	ContentChunks     []ContentChunk    `json:"contentChunks,omitempty"`
	TotalChunks       int               `json:"totalChunks,omitempty"`
}

// remoteShadow tracks what the cloud store last acknowledged for a document,
// so the next changeset only carries what actually changed.
type remoteShadow struct {
	Version        string            `json:"version"`
	ContentHash    string            `json:"contentHash,omitempty"`
	MetadataFields map[string]string `json:"metadataFields,omitempty"`
	ChunkHashes    []string          `json:"chunkHashes,omitempty"`
}

func metadataFields(m DocumentMetadata) map[string]string {
	fields := map[string]string{}
	if m.ClientID != "" {
		fields["clientId"] = m.ClientID
	}
	if m.PracticeArea != "" {
		fields["practiceArea"] = m.PracticeArea
	}
	if m.Jurisdiction != "" {
		fields["jurisdiction"] = m.Jurisdiction
	}
	return fields
}

func diffMetadata(current map[string]string, shadow map[string]string) map[string]string {
	changed := map[string]string{}
	for key, value := range current {
		if shadow[key] != value {
			changed[key] = value
		}
	}
	for key := range shadow {
		if _, still := current[key]; !still {
			changed[key] = ""
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return changed
}

func chunkContent(content string) []ContentChunk {
	raw := []byte(content)
	if len(raw) == 0 {
		return nil
	}
	chunks := make([]ContentChunk, 0, len(raw)/defaultChunkSize+1)
	for index, offset := 0, 0; offset < len(raw); index, offset = index+1, offset+defaultChunkSize {
		end := offset + defaultChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		data := append([]byte(nil), raw[offset:end]...)
		chunks = append(chunks, ContentChunk{
			Index: index,
			Hash:  ContentHash(string(data)),
			Data:  data,
		})
	}
	return chunks
}

func chunkHashes(chunks []ContentChunk) []string {
	hashes := make([]string, len(chunks))
	for i, chunk := range chunks {
		hashes[i] = chunk.Hash
	}
	return hashes
}

// diffChunks keeps only chunks whose hash differs from the shadow at the same
// index, plus any chunks beyond the shadow's length.
func diffChunks(chunks []ContentChunk, shadowHashes []string) []ContentChunk {
	var changed []ContentChunk
	for _, chunk := range chunks {
		if chunk.Index < len(shadowHashes) && shadowHashes[chunk.Index] == chunk.Hash {
			continue
		}
		changed = append(changed, chunk)
	}
	return changed
}

// buildChangeset computes the differential payload for one sync attempt.
func buildChangeset(opID string, doc *Document, syncType SyncType, shadow remoteShadow) Changeset {
	cs := Changeset{
		OperationID:       opID,
		DocumentID:        doc.ID,
		Type:              syncType,
		BaseRemoteVersion: shadow.Version,
		ContentHash:       doc.ContentHash,
		MetadataFields:    diffMetadata(metadataFields(doc.Metadata), shadow.MetadataFields),
	}
	if syncType == SyncFull {
		chunks := chunkContent(doc.RawContent)
		cs.ContentChunks = diffChunks(chunks, shadow.ChunkHashes)
		cs.TotalChunks = len(chunks)
	}
	return cs
}

// EncodeChangeset serializes, compresses, and encrypts a changeset for the
// wire. The cloud store only ever sees the sealed form.
func EncodeChangeset(cs Changeset, cipher *PayloadCipher, level EncryptionLevel) ([]byte, error) {
	plain, err := json.Marshal(cs)
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, plain)
	return cipher.Encrypt(level, compressed)
}

// DecodeChangeset reverses EncodeChangeset. Used by the in-process cloud store
// implementations and by tests.
func DecodeChangeset(sealed []byte, cipher *PayloadCipher, level EncryptionLevel) (Changeset, error) {
	compressed, err := cipher.Decrypt(level, sealed)
	if err != nil {
		return Changeset{}, err
	}
	plain, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Changeset{}, err
	}
	var cs Changeset
	if err := json.Unmarshal(plain, &cs); err != nil {
		return Changeset{}, err
	}
	return cs, nil
}
