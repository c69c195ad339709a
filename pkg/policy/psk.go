package policy

import (
	"net/netip"

	"github.com/iniwex5/isakmp-go/pkg/oakley"
)

// PSKStore 预共享密钥表 (psk.txt 的内存形式)
type PSKStore struct {
	byID   map[string][]byte
	byAddr map[netip.Addr][]byte
}

var _ oakley.PSKSource = (*PSKStore)(nil)

func NewPSKStore() *PSKStore {
	return &PSKStore{
		byID:   make(map[string][]byte),
		byAddr: make(map[netip.Addr][]byte),
	}
}

// SetByID 按对端 ID 数据 (FQDN、USER_FQDN、KEY_ID 等) 登记
func (s *PSKStore) SetByID(id []byte, key []byte) {
	s.byID[string(id)] = append([]byte(nil), key...)
}

func (s *PSKStore) SetByAddr(addr netip.Addr, key []byte) {
	s.byAddr[addr.Unmap()] = append([]byte(nil), key...)
}

func (s *PSKStore) LookupByID(id []byte) ([]byte, bool) {
	k, ok := s.byID[string(id)]
	return k, ok
}

func (s *PSKStore) LookupByAddr(addr netip.Addr) ([]byte, bool) {
	k, ok := s.byAddr[addr.Unmap()]
	return k, ok
}
