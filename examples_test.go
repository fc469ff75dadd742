package ech

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"

	"github.com/veilproto/ech/internal/hpke"
)

func ExampleGenerateConfig() {
	gc, err := GenerateConfig(1, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}},
		"example.com", 32)
	if err != nil {
		log.Fatalf("GenerateConfig: %v", err)
	}
	configList, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		log.Fatalf("BuildConfigList: %v", err)
	}

	fmt.Println(base64.StdEncoding.EncodeToString(configList))
}

func ExampleNew() {
	ctx := context.Background()

	gc, err := GenerateConfig(1, hpke.DHKEM_X25519_HKDF_SHA256,
		[]CipherSuite{{KDF: hpke.KDF_HKDF_SHA256, AEAD: hpke.AEAD_AES128GCM}},
		"public.example.com", 32)
	if err != nil {
		log.Fatalf("GenerateConfig: %v", err)
	}
	listRaw, err := BuildConfigList([][]byte{gc.Raw})
	if err != nil {
		log.Fatalf("BuildConfigList: %v", err)
	}
	list, _, err := ParseConfigList(listRaw)
	if err != nil {
		log.Fatalf("ParseConfigList: %v", err)
	}
	keys := NewKeyStore()
	keys.AddKey(list.Configs[0], gc.PrivateKey)

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		log.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	for {
		serverConn, err := ln.Accept()
		if err != nil {
			log.Fatalf("ln.Accept: %v", err)
		}
		conn, err := New(ctx, serverConn, WithKeyStore(keys), WithPolicy(Policy{OfferRetryConfigs: true}))
		if err != nil {
			log.Printf("New: %v", err)
			continue
		}

		switch host := conn.ServerName(); host {
		case "public.example.com":
			// Forward conn to a tls.Server for public.example.com
			// ...

		default:
			// Forward conn to a tls.Server for conn.ServerName()
			// ...
		}
	}
}
