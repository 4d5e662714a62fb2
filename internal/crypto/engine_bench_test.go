package crypto

import (
	"bytes"
	"testing"
)

func benchData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func BenchmarkEngine_Encrypt_Small(b *testing.B) {
	engine := NewEngine(nil)
	key := testKey(b)
	data := benchData(1024) // 1KB

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := engine.EncryptBytes(key, data); err != nil {
			b.Fatalf("Encryption failed: %v", err)
		}
	}
}

func BenchmarkEngine_Encrypt_Medium(b *testing.B) {
	engine := NewEngine(nil)
	key := testKey(b)
	data := benchData(1024 * 1024) // 1MB

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := engine.EncryptBytes(key, data); err != nil {
			b.Fatalf("Encryption failed: %v", err)
		}
	}
}

func BenchmarkEngine_Encrypt_Large(b *testing.B) {
	engine := NewEngine(nil)
	key := testKey(b)
	data := benchData(10 * 1024 * 1024) // 10MB

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := engine.EncryptBytes(key, data); err != nil {
				b.Fatalf("Encryption failed: %v", err)
			}
		}
	})
}

func BenchmarkEngine_Decrypt_Small(b *testing.B) {
	engine := NewEngine(nil)
	key := testKey(b)
	data := benchData(1024)

	encrypted, err := engine.EncryptBytes(key, data)
	if err != nil {
		b.Fatalf("Encryption failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		decrypted, err := engine.DecryptBytes(key, encrypted)
		if err != nil {
			b.Fatalf("Decryption failed: %v", err)
		}
		if !bytes.Equal(decrypted, data) {
			b.Fatal("Decrypted data mismatch")
		}
	}
}

func BenchmarkEngine_Decrypt_Medium(b *testing.B) {
	engine := NewEngine(nil)
	key := testKey(b)
	data := benchData(1024 * 1024)

	encrypted, err := engine.EncryptBytes(key, data)
	if err != nil {
		b.Fatalf("Encryption failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := engine.DecryptBytes(key, encrypted); err != nil {
			b.Fatalf("Decryption failed: %v", err)
		}
	}
}

func BenchmarkEngine_Decrypt_Large(b *testing.B) {
	engine := NewEngine(nil)
	key := testKey(b)
	data := benchData(10 * 1024 * 1024)

	encrypted, err := engine.EncryptBytes(key, data)
	if err != nil {
		b.Fatalf("Encryption failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := engine.DecryptBytes(key, encrypted); err != nil {
				b.Fatalf("Decryption failed: %v", err)
			}
		}
	})
}

func BenchmarkVerifier_Digest(b *testing.B) {
	verifier := NewVerifier()
	data := benchData(1024 * 1024)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		verifier.Digest(data)
	}
}

func BenchmarkDerive(b *testing.B) {
	engine := NewEngine(nil)
	params, err := NewDerivationParameters()
	if err != nil {
		b.Fatalf("Failed to create derivation parameters: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key, err := engine.Derive("benchmark-password", params)
		if err != nil {
			b.Fatalf("Derivation failed: %v", err)
		}
		key.Zero()
	}
}
