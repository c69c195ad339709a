package crypto

import (
	"bytes"
	"testing"
)

// TestComputeDeterministic 测试 PRF 计算的确定性
func TestComputeDeterministic(t *testing.T) {
	prf := PRF_HMAC_SHA1
	key := []byte("test-key-1234567890")

	r1 := Compute(prf, key, []byte("abc"), []byte("def"))
	r2 := Compute(prf, key, []byte("abcdef"))
	if !bytes.Equal(r1, r2) {
		t.Error("分段输入与连续输入的 PRF 结果不一致")
	}
	if len(r1) != prf.KeyLen() {
		t.Errorf("结果长度错误: got %d, want %d", len(r1), prf.KeyLen())
	}
}

func TestGetPRF(t *testing.T) {
	tests := []struct {
		id      uint16
		wantLen int
	}{
		{HashMD5, 16},
		{HashSHA1, 20},
		{HashSHA2_256, 32},
		{HashSHA2_384, 48},
		{HashSHA2_512, 64},
	}
	for _, tt := range tests {
		prf, err := GetPRF(tt.id)
		if err != nil {
			t.Fatalf("GetPRF(%d) 失败: %v", tt.id, err)
		}
		if got := len(Digest(prf, []byte("x"))); got != tt.wantLen {
			t.Errorf("GetPRF(%d) 输出长度 = %d, want %d", tt.id, got, tt.wantLen)
		}
	}
	if _, err := GetPRF(3); err == nil {
		t.Error("Tiger 不应被支持")
	}
}

// TestCBCEncryptDecrypt 测试所有 IKEv1 CBC 算法加解密
func TestCBCEncryptDecrypt(t *testing.T) {
	tests := []struct {
		name   string
		id     uint16
		keyLen int
	}{
		{"des", EncrDES, 0},
		{"3des", Encr3DES, 0},
		{"aes128", EncrAES, 0},
		{"aes256", EncrAES, 256},
		{"blowfish", EncrBlowfish, 0},
		{"cast", EncrCAST, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := GetEncrypterWithKeyLen(tt.id, tt.keyLen)
			if err != nil {
				t.Fatalf("获取加密器失败: %v", err)
			}
			key, _ := RandomBytes(enc.KeySize())
			iv, _ := RandomBytes(enc.BlockSize())
			plaintext := bytes.Repeat([]byte{0xA5}, enc.BlockSize()*3)

			ciphertext, err := enc.Encrypt(plaintext, key, iv)
			if err != nil {
				t.Fatalf("加密失败: %v", err)
			}
			if bytes.Equal(ciphertext, plaintext) {
				t.Fatal("密文不应等于明文")
			}
			decrypted, err := enc.Decrypt(ciphertext, key, iv)
			if err != nil {
				t.Fatalf("解密失败: %v", err)
			}
			if !bytes.Equal(plaintext, decrypted) {
				t.Errorf("解密结果不匹配: got %x, want %x", decrypted, plaintext)
			}
		})
	}
}

func TestCBCRejectsUnaligned(t *testing.T) {
	enc, _ := GetEncrypter(EncrAES)
	key := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := enc.Encrypt(make([]byte, 15), key, iv); err == nil {
		t.Error("未对齐的明文应该被拒绝")
	}
	if _, err := enc.Decrypt(nil, key, iv); err == nil {
		t.Error("空密文应该被拒绝")
	}
}

func TestDiffieHellmanAgreement(t *testing.T) {
	for _, group := range []uint16{DHGroupModp768, DHGroupModp1024, DHGroupModp1536, DHGroupModp2048} {
		a, err := NewDiffieHellman(group)
		if err != nil {
			t.Fatalf("组 %d: %v", group, err)
		}
		b, _ := NewDiffieHellman(group)
		if err := a.GenerateKey(); err != nil {
			t.Fatal(err)
		}
		if err := b.GenerateKey(); err != nil {
			t.Fatal(err)
		}
		if len(a.PublicKeyBytes()) != PublicValueLen(group) {
			t.Errorf("组 %d 公钥长度 = %d, want %d", group, len(a.PublicKeyBytes()), PublicValueLen(group))
		}
		s1, err := a.ComputeSharedSecret(b.PublicKeyBytes())
		if err != nil {
			t.Fatal(err)
		}
		s2, err := b.ComputeSharedSecret(a.PublicKeyBytes())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(s1, s2) {
			t.Errorf("组 %d 共享密钥不一致", group)
		}
	}
	if _, err := NewDiffieHellman(19); err == nil {
		t.Error("ECP 组不应被支持")
	}
}

func TestDiffieHellmanRejectsBadPeer(t *testing.T) {
	dh, _ := NewDiffieHellman(DHGroupModp1024)
	_ = dh.GenerateKey()
	if _, err := dh.ComputeSharedSecret([]byte{1}); err == nil {
		t.Error("对端公钥为 1 应该被拒绝")
	}
}

func TestIPsecKeyBits(t *testing.T) {
	if n, _ := ESPEncKeyBits(3, 0); n != 192 {
		t.Errorf("3DES = %d, want 192", n)
	}
	if n, _ := ESPEncKeyBits(12, 256); n != 256 {
		t.Errorf("AES-256 = %d, want 256", n)
	}
	if n, _ := ESPEncKeyBits(20, 128); n != 160 {
		t.Errorf("AES-GCM-128 = %d, want 160", n)
	}
	if n, _ := AuthKeyBits(2); n != 160 {
		t.Errorf("HMAC-SHA = %d, want 160", n)
	}
	if _, err := ESPEncKeyBits(12, 100); err == nil {
		t.Error("AES 非法密钥长度应该被拒绝")
	}
}

// TestRandomBytes 测试随机字节生成
func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes 失败: %v", err)
	}

	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes 第二次调用失败: %v", err)
	}

	if bytes.Equal(b1, b2) {
		t.Error("两次 RandomBytes 调用不应返回相同的结果")
	}

	if len(b1) != 32 {
		t.Errorf("长度错误: got %d, want 32", len(b1))
	}
}
