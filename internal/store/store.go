// Package store implements the on-disk key-value store of feed messages
// and blobs named in spec.md §4.2 and §6, addressed as an opaque
// capability by the rest of the module. It is grounded on
// original_source's storage/kv.rs: the same five-prefix key scheme, the
// same append_feed atomicity and ordering, the same pending-blobs scan.
// sled's embedded ordered store is replaced here with go.etcd.io/bbolt,
// whose Cursor.Seek over a single bucket gives the same ordered-range
// semantics sled's db.range provided.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	codec "github.com/hashicorp/go-msgpack/codec"
	bolt "go.etcd.io/bbolt"

	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/feed"
)

const (
	prefixLatestSeq byte = 0x00
	prefixMsgKVT    byte = 0x01
	prefixMsgVal    byte = 0x02
	prefixBlob      byte = 0x03
	prefixPeer      byte = 0x04
	// prefixBlobPayload holds raw blob bytes. Not part of spec.md's
	// persistent key layout table (which only names the status entry at
	// 0x03); kept as a distinct prefix so GetPendingBlobs's status scan
	// never has to skip over payload bytes.
	prefixBlobPayload byte = 0x05
)

var bucketName = []byte("kv")

// ErrInvalidSequence is returned by AppendFeed when message.Sequence
// does not extend the author's feed by exactly one.
var ErrInvalidSequence = feed.ErrInvalidSequence

// BlobStatus records whether a blob's bytes have been retrieved locally
// and which peers mentioned it, per spec.md §3.
type BlobStatus struct {
	Retrieved bool     `json:"retrieved"`
	Users     []string `json:"users"`
}

// msgRef is the PREFIX_MSG_VAL value: a pointer from a message id back
// to the (author, sequence) pair whose KVT entry holds the message.
type msgRef struct {
	PubKey string `json:"pub_key"`
	SeqNum uint64 `json:"seq_num"`
}

// PeerSeq pairs a peer's identity with its locally known latest
// sequence, as returned by Peers.
type PeerSeq struct {
	PubKey string
	SeqNum uint64
}

// Store is the capability the rest of the module depends on; an
// interface so handlers can be tested against an in-memory fake without
// a real bbolt file.
type Store interface {
	AppendFeed(msg feed.Message) (uint64, error)
	GetLatestSeq(author string) (uint64, bool, error)
	GetMsgKVT(author string, seq uint64) (*feed.KVT, error)
	GetMsgVal(msgID string) (*feed.Message, error)
	GetLatestMsgVal(author string) (*feed.Message, error)

	SetBlob(id string, status BlobStatus) error
	GetBlob(id string) (*BlobStatus, error)
	GetPendingBlobs() ([]string, error)
	SizeOf(blobID string) (int, bool, error)
	Insert(bytes []byte) (string, error)

	Peers() ([]PeerSeq, error)

	Close() error
}

// BoltStore is the default Store implementation.
type BoltStore struct {
	db     *bolt.DB
	sender *broker.Sender
	mh     codec.MsgpackHandle

	mu sync.RWMutex
}

// Open opens (creating if absent) a bbolt file at path and wires sender
// for IdChanged/StoreBlob event emission.
func Open(path string, sender *broker.Sender) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, sender: sender}
	s.mh.WriteExt = true
	return s, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// ListenTerminate spawns a goroutine that acknowledges ep's Terminate
// broadcast on ep.Terminated, the same cooperative-shutdown ack
// conn.Actor performs for its own endpoint. BoltStore has no queued
// writes to drain — AppendFeed/Insert/SetBlob all complete synchronously
// under s.mu before returning — so acking as soon as Terminate fires is
// enough to satisfy spec.md's "flush, then acknowledge" sequencing.
// Callers that register the store's endpoint with terminate=true should
// call this once, before Broker.Shutdown can possibly fire.
func (s *BoltStore) ListenTerminate(ep *broker.Endpoint) {
	go func() {
		<-ep.Terminate
		select {
		case ep.Terminated <- struct{}{}:
		default:
		}
	}()
}

func keyLatestSeq(author string) []byte {
	return append([]byte{prefixLatestSeq}, []byte(author)...)
}

func keyMsgKVT(author string, seq uint64) []byte {
	k := make([]byte, 0, 1+8+len(author))
	k = append(k, prefixMsgKVT)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	k = append(k, seqBuf[:]...)
	k = append(k, []byte(author)...)
	return k
}

func keyMsgVal(msgID string) []byte {
	return append([]byte{prefixMsgVal}, []byte(msgID)...)
}

func keyBlob(blobID string) []byte {
	return append([]byte{prefixBlob}, []byte(blobID)...)
}

func keyPeer(author string) []byte {
	return append([]byte{prefixPeer}, []byte(author)...)
}

func (s *BoltStore) encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &s.mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *BoltStore) decode(raw []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(raw, &s.mh)
	return dec.Decode(v)
}

// GetLatestSeq returns the highest sequence number stored locally for
// author, or ok=false if nothing is stored yet.
func (s *BoltStore) GetLatestSeq(author string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq uint64
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyLatestSeq(author))
		if v == nil {
			return nil
		}
		ok = true
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	return seq, ok, err
}

func (s *BoltStore) GetMsgKVT(author string, seq uint64) (*feed.KVT, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out *feed.KVT
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyMsgKVT(author, seq))
		if v == nil {
			return nil
		}
		var kvt feed.KVT
		if err := json.Unmarshal(v, &kvt); err != nil {
			return err
		}
		out = &kvt
		return nil
	})
	return out, err
}

func (s *BoltStore) GetMsgVal(msgID string) (*feed.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ref *msgRef
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyMsgVal(msgID))
		if v == nil {
			return nil
		}
		var r msgRef
		if err := s.decode(v, &r); err != nil {
			return err
		}
		ref = &r
		return nil
	})
	if err != nil || ref == nil {
		return nil, err
	}

	kvt, err := s.GetMsgKVT(ref.PubKey, ref.SeqNum)
	if err != nil {
		return nil, err
	}
	if kvt == nil {
		return nil, fmt.Errorf("store: dangling msg-val reference for %s", msgID)
	}
	return &kvt.Value, nil
}

func (s *BoltStore) GetLatestMsgVal(author string) (*feed.Message, error) {
	seq, ok, err := s.GetLatestSeq(author)
	if err != nil || !ok {
		return nil, err
	}
	kvt, err := s.GetMsgKVT(author, seq)
	if err != nil || kvt == nil {
		return nil, err
	}
	return &kvt.Value, nil
}

// AppendFeed validates, then atomically persists, msg's KVT envelope,
// its id reference, the author's new latest-seq, and the peer-registry
// entry, flushing before emitting StoKvIDChanged -- matching
// original_source's append_feed ordering and flush-then-broadcast
// discipline.
func (s *BoltStore) AppendFeed(msg feed.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	author := string(msg.Author)

	var nextSeq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		var latest uint64
		if v := b.Get(keyLatestSeq(author)); v != nil {
			latest = binary.BigEndian.Uint64(v)
		}
		nextSeq = latest + 1
		if msg.Sequence != nextSeq {
			return ErrInvalidSequence
		}

		id, err := msg.ID()
		if err != nil {
			return err
		}

		refBytes, err := s.encode(msgRef{PubKey: author, SeqNum: nextSeq})
		if err != nil {
			return err
		}
		if err := b.Put(keyMsgVal(string(id)), refBytes); err != nil {
			return err
		}

		kvt := feed.KVT{Key: id, Value: msg}
		kvtBytes, err := json.Marshal(kvt)
		if err != nil {
			return err
		}
		if err := b.Put(keyMsgKVT(author, nextSeq), kvtBytes); err != nil {
			return err
		}

		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], nextSeq)
		if err := b.Put(keyLatestSeq(author), seqBuf[:]); err != nil {
			return err
		}
		return b.Put(keyPeer(author), seqBuf[:])
	})
	if err != nil {
		return 0, err
	}

	// bbolt's Update already fsyncs on commit, so the broadcast below
	// already follows a flushed write.
	if s.sender != nil {
		s.sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.StoKvIDChanged{Author: author}})
	}
	return nextSeq, nil
}

func (s *BoltStore) GetBlob(id string) (*BlobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out *BlobStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyBlob(id))
		if v == nil {
			return nil
		}
		var status BlobStatus
		if err := s.decode(v, &status); err != nil {
			return err
		}
		out = &status
		return nil
	})
	return out, err
}

func (s *BoltStore) SetBlob(id string, status BlobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.encode(status)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(keyBlob(id), raw)
	})
}

// GetPendingBlobs returns the ids of blobs not yet retrieved, ordered by
// key (ascending blob id), matching get_pending_blobs's db.range scan.
func (s *BoltStore) GetPendingBlobs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := []byte{prefixBlob}
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var status BlobStatus
			if err := s.decode(v, &status); err != nil {
				return err
			}
			if !status.Retrieved {
				ids = append(ids, string(k[1:]))
			}
		}
		return nil
	})
	return ids, err
}

// SizeOf returns the byte length of a blob's stored payload if present
// locally, matching spec.md §4.2's "returns bytes length if present,
// else absent".
func (s *BoltStore) SizeOf(blobID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyBlobPayload(blobID))
		if v == nil {
			return nil
		}
		ok = true
		size = len(v)
		return nil
	})
	return size, ok, err
}

// Insert content-hashes data, persists the bytes and a retrieved status
// entry, and emits StoreBlob.
func (s *BoltStore) Insert(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.encode(BlobStatus{Retrieved: true})
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Put(keyBlob(hash), raw); err != nil {
			return err
		}
		return b.Put(keyBlobPayload(hash), data)
	})
	if err != nil {
		return "", err
	}
	if s.sender != nil {
		s.sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.StoreBlob{BlobID: hash}})
	}
	return hash, nil
}

func keyBlobPayload(blobID string) []byte {
	return append([]byte{prefixBlobPayload}, []byte(blobID)...)
}

// Peers returns every peer this store has a latest-seq entry for, with
// the sequence bumped by one, matching get_peers's "next sequence we
// want from them" convention.
func (s *BoltStore) Peers() ([]PeerSeq, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var peers []PeerSeq
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		prefix := []byte{prefixPeer}
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			pubKey := string(k[1:])
			seq, _, err := s.getLatestSeqLocked(tx, pubKey)
			if err != nil {
				return err
			}
			peers = append(peers, PeerSeq{PubKey: pubKey, SeqNum: seq + 1})
		}
		return nil
	})
	return peers, err
}

func (s *BoltStore) getLatestSeqLocked(tx *bolt.Tx, author string) (uint64, bool, error) {
	v := tx.Bucket(bucketName).Get(keyLatestSeq(author))
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}
