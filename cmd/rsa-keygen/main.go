package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"price-tracker/internal/sources"
)

// 生成悠悠有品开放平台签名用的密钥对。公钥上传到平台，私钥放进 YOUPIN_PRIVATE_KEY。
func main() {
	outputDir := flag.String("out", "./keys", "密钥输出目录")
	flag.Parse()

	pub, priv, err := sources.GenerateKeyPair()
	if err != nil {
		log.Fatalf("生成密钥对失败: %v", err)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("创建输出目录失败: %v", err)
	}

	publicKeyFile := filepath.Join(*outputDir, "public_key_base64.txt")
	privateKeyFile := filepath.Join(*outputDir, "private_key_base64.txt")
	if err := os.WriteFile(publicKeyFile, []byte(pub), 0644); err != nil {
		log.Fatalf("保存公钥失败: %v", err)
	}
	if err := os.WriteFile(privateKeyFile, []byte(priv), 0600); err != nil {
		log.Fatalf("保存私钥失败: %v", err)
	}

	log.Printf("公钥已保存到: %s (PKIX)", publicKeyFile)
	log.Printf("私钥已保存到: %s (PKCS8)", privateKeyFile)
	fmt.Printf("export YOUPIN_PRIVATE_KEY=$(cat %s)\n", privateKeyFile)
}
