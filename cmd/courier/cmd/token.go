package cmd

import (
	"fmt"
	"time"

	"github.com/oriys/courier/internal/authz"
	"github.com/oriys/courier/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tokenRoles      []string
	tokenSecret     string
	tokenExpiration time.Duration
	tokenSubject    string
	tokenRolesClaim string
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "签发 HS256 测试令牌",
	Long: `使用共享密钥为指定主体签发令牌，用于本地调试需要授权的服务函数。

密钥可通过 --secret、COURIER_JWT_SECRET 或配置文件中的 jwt_secret 提供。`,
	Example: `  courier token alice@example.com --role admin
  courier call orders.create --token "$(courier token alice@example.com)" --data '{...}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt_secret")
		if secret == "" {
			return fmt.Errorf("jwt secret is required (--secret or COURIER_JWT_SECRET)")
		}
		svc := authz.NewJWTService(config.AuthConfig{
			JWTSecret:        secret,
			JWTExpiration:    tokenExpiration,
			SubjectClaimPath: tokenSubject,
			RolesClaimPath:   tokenRolesClaim,
		})
		signed, err := svc.Generate(args[0], tokenRoles)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringSliceVarP(&tokenRoles, "role", "r", nil, "角色，可重复指定")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HS256 签名密钥")
	tokenCmd.Flags().DurationVar(&tokenExpiration, "expiration", time.Hour, "令牌有效期")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject-claim", "sub", "主体声明路径")
	tokenCmd.Flags().StringVar(&tokenRolesClaim, "roles-claim", "roles", "角色声明路径")
	_ = viper.BindPFlag("jwt_secret", tokenCmd.Flags().Lookup("secret"))
}
