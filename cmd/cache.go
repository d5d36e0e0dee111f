package cmd

import (
	"fmt"
	"log"

	"AuraFM/config"
	"AuraFM/core/store"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "内容缓存诊断",
	Long:  `列出内容缓存中的条目及其占用情况，启动时会顺带清理残留的写入临时文件。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		s, err := store.New(cfg.CacheDir, cfg.CacheMaxBytes)
		if err != nil {
			log.Fatalf("无法打开内容缓存: %v", err)
		}

		entries := s.Entries()
		fmt.Printf("缓存目录: %s\n", s.Dir())
		fmt.Printf("条目数: %d, 占用: %d / %d 字节\n\n", len(entries), s.TotalBytes(), cfg.CacheMaxBytes)

		for _, e := range entries {
			fmt.Printf("%-40s %-12s %-10s %12d  %s\n",
				e.Key, e.Variant, e.State, e.Size, e.LastAccess.Format("2006-01-02 15:04:05"))
		}
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
}
