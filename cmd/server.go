package cmd

import (
	"AuraFM/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动AuraFM服务器",
	Long:  `启动AuraFM音频网关的HTTP服务器，提供流媒体、下载与批量导出服务`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
