package oakley

import (
	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

// AuthMethod 阶段一认证方式 (SA 属性值)
type AuthMethod uint16

const (
	AuthPreSharedKey AuthMethod = 1
	AuthDSSSig       AuthMethod = 2
	AuthRSASig       AuthMethod = 3
	AuthRSAEnc       AuthMethod = 4
	AuthRSARevEnc    AuthMethod = 5

	// draft-ietf-ipsec-isakmp-hybrid-auth
	AuthHybridRSAServer AuthMethod = 64221
	AuthHybridRSAClient AuthMethod = 64222
	AuthHybridDSSServer AuthMethod = 64223
	AuthHybridDSSClient AuthMethod = 64224

	// draft-ietf-ipsec-isakmp-xauth
	AuthXAuthPSKClient AuthMethod = 65001
	AuthXAuthPSKServer AuthMethod = 65002
	AuthXAuthDSSClient AuthMethod = 65003
	AuthXAuthDSSServer AuthMethod = 65004
	AuthXAuthRSAClient AuthMethod = 65005
	AuthXAuthRSAServer AuthMethod = 65006
)

// AuthKind 认证方式归类，决定 SKEYID 与认证 HASH 的输入组成
type AuthKind int

const (
	KindPreSharedKey AuthKind = iota
	KindRSASignature
	KindDSSSignature
	KindHybrid
	KindXAuth
)

func (k AuthKind) String() string {
	switch k {
	case KindPreSharedKey:
		return "pre_shared_key"
	case KindRSASignature:
		return "rsasig"
	case KindDSSSignature:
		return "dsssig"
	case KindHybrid:
		return "hybrid"
	case KindXAuth:
		return "xauth"
	}
	return "unknown"
}

var ErrUnsupportedAuth = errors.New("不支持的认证方式")

// Kind 归类；RSA 加密类按签名类处理 SKEYID
func (m AuthMethod) Kind() (AuthKind, error) {
	switch m {
	case AuthPreSharedKey:
		return KindPreSharedKey, nil
	case AuthRSASig, AuthRSAEnc, AuthRSARevEnc:
		return KindRSASignature, nil
	case AuthDSSSig:
		return KindDSSSignature, nil
	case AuthHybridRSAServer, AuthHybridRSAClient, AuthHybridDSSServer, AuthHybridDSSClient:
		return KindHybrid, nil
	case AuthXAuthPSKClient, AuthXAuthPSKServer,
		AuthXAuthDSSClient, AuthXAuthDSSServer,
		AuthXAuthRSAClient, AuthXAuthRSAServer:
		return KindXAuth, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedAuth, "method=%d", uint16(m))
}

// UsesPSK 是否以预共享密钥计算 SKEYID
func (m AuthMethod) UsesPSK() bool {
	return m == AuthPreSharedKey || m == AuthXAuthPSKClient || m == AuthXAuthPSKServer
}

// AuthHashInput 阶段一认证 HASH 的输入
type AuthHashInput struct {
	GXi, GXr []byte
	Index    isakmp.Index
	SAiBody  []byte // 发起方 SA 载荷主体 (不含通用头部)
	IDBody   []byte // IDii_b 或 IDir_b
}

// SKEYIDInput SKEYID 计算输入
type SKEYIDInput struct {
	PSK    []byte
	Ni, Nr []byte // nonce 主体
	GXY    []byte
}

// Authenticator 每种认证归类一个实现
type Authenticator interface {
	Kind() AuthKind
	SKEYID(prf crypto.PRF, in *SKEYIDInput) ([]byte, error)
	// AuthHash initiator=true 计算 HASH_I，否则 HASH_R
	AuthHash(prf crypto.PRF, skeyid []byte, in *AuthHashInput, initiator bool) []byte
}

// Authenticator 返回认证方式对应的实现
func (m AuthMethod) Authenticator() (Authenticator, error) {
	kind, err := m.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindPreSharedKey:
		return preSharedAuth{}, nil
	case KindRSASignature, KindDSSSignature:
		return signatureAuth{kind: kind}, nil
	case KindHybrid:
		return hybridAuth{}, nil
	default:
		return xauthAuth{usesPSK: m.UsesPSK()}, nil
	}
}

// HASH_I = prf(SKEYID, g^xi | g^xr | CKY-I | CKY-R | SAi_b | IDii_b)
// HASH_R = prf(SKEYID, g^xr | g^xi | CKY-R | CKY-I | SAi_b | IDir_b)
func commonAuthHash(prf crypto.PRF, skeyid []byte, in *AuthHashInput, initiator bool) []byte {
	if initiator {
		return crypto.Compute(prf, skeyid, in.GXi, in.GXr, in.Index.I[:], in.Index.R[:], in.SAiBody, in.IDBody)
	}
	return crypto.Compute(prf, skeyid, in.GXr, in.GXi, in.Index.R[:], in.Index.I[:], in.SAiBody, in.IDBody)
}

type preSharedAuth struct{}

func (preSharedAuth) Kind() AuthKind { return KindPreSharedKey }

// SKEYID = prf(pre-shared-key, Ni_b | Nr_b)
func (preSharedAuth) SKEYID(prf crypto.PRF, in *SKEYIDInput) ([]byte, error) {
	if len(in.PSK) == 0 {
		return nil, ErrNoPSK
	}
	return crypto.Compute(prf, in.PSK, in.Ni, in.Nr), nil
}

func (preSharedAuth) AuthHash(prf crypto.PRF, skeyid []byte, in *AuthHashInput, initiator bool) []byte {
	return commonAuthHash(prf, skeyid, in, initiator)
}

type signatureAuth struct {
	kind AuthKind
}

func (a signatureAuth) Kind() AuthKind { return a.kind }

// SKEYID = prf(Ni_b | Nr_b, g^xy)
func signatureSKEYID(prf crypto.PRF, in *SKEYIDInput) ([]byte, error) {
	if len(in.GXY) == 0 {
		return nil, errors.New("缺少 DH 共享密钥")
	}
	key := make([]byte, 0, len(in.Ni)+len(in.Nr))
	key = append(key, in.Ni...)
	key = append(key, in.Nr...)
	return crypto.Compute(prf, key, in.GXY), nil
}

func (signatureAuth) SKEYID(prf crypto.PRF, in *SKEYIDInput) ([]byte, error) {
	return signatureSKEYID(prf, in)
}

func (signatureAuth) AuthHash(prf crypto.PRF, skeyid []byte, in *AuthHashInput, initiator bool) []byte {
	return commonAuthHash(prf, skeyid, in, initiator)
}

// 混合认证：服务端签名，客户端由 XAuth 认证，SKEYID 按签名类计算
type hybridAuth struct{}

func (hybridAuth) Kind() AuthKind { return KindHybrid }

func (hybridAuth) SKEYID(prf crypto.PRF, in *SKEYIDInput) ([]byte, error) {
	return signatureSKEYID(prf, in)
}

func (hybridAuth) AuthHash(prf crypto.PRF, skeyid []byte, in *AuthHashInput, initiator bool) []byte {
	return commonAuthHash(prf, skeyid, in, initiator)
}

// XAuth 变体：阶段一认证沿用底层 PSK 或签名方式
type xauthAuth struct {
	usesPSK bool
}

func (xauthAuth) Kind() AuthKind { return KindXAuth }

func (a xauthAuth) SKEYID(prf crypto.PRF, in *SKEYIDInput) ([]byte, error) {
	if a.usesPSK {
		return preSharedAuth{}.SKEYID(prf, in)
	}
	return signatureSKEYID(prf, in)
}

func (xauthAuth) AuthHash(prf crypto.PRF, skeyid []byte, in *AuthHashInput, initiator bool) []byte {
	return commonAuthHash(prf, skeyid, in, initiator)
}
