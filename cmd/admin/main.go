package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"resumeforge/internal/config"
	"resumeforge/internal/database"
)

// 计费状态修复工具：webhook 丢失或乱序造成的错账可以人工纠正。
// 所有写入走与 Reconciler 相同的 store 方法，不直接拼 SQL。
func main() {
	var (
		action    = flag.String("action", "", "操作：show / set-plan / force-downgrade / sweep-expired（必填）")
		userID    = flag.Uint("user-id", 0, "目标用户 ID（sweep-expired 以外必填）")
		plan      = flag.String("plan", "", "目标层级（set-plan 必填：pro / business）")
		expiresAt = flag.String("expires-at", "", "到期时间，RFC3339（set-plan 可选，缺省为一个月后）")
		subRef    = flag.String("subscription-ref", "", "订阅标识（set-plan 可选）")
		dbHost    = flag.String("db-host", "", "数据库 Host（可选，默认读 DATABASE_HOST）")
		dbPort    = flag.Int("db-port", 0, "数据库 Port（可选，默认读 DATABASE_PORT）")
		dbName    = flag.String("db-name", "", "数据库名（可选，默认读 POSTGRES_DB）")
		dbUser    = flag.String("db-user", "", "数据库用户（可选，默认读 POSTGRES_USER）")
		dbPass    = flag.String("db-password", "", "数据库密码（可选，默认读 POSTGRES_PASSWORD）")
		sslMode   = flag.String("db-sslmode", "", "数据库 SSLMODE（可选，默认读 DATABASE_SSLMODE）")
	)
	flag.Parse()

	if strings.TrimSpace(*action) == "" {
		log.Fatal("missing required flag: --action")
	}

	dbCfg, err := loadDatabaseConfig(*dbHost, *dbPort, *dbName, *dbUser, *dbPass, *sslMode)
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}

	db, err := database.InitDatabase(dbCfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}

	users := database.NewUserStore(db)
	ctx := context.Background()

	switch *action {
	case "show":
		requireUserID(*userID)
		user, err := users.FindByID(ctx, *userID)
		if err != nil {
			log.Fatalf("load user: %v", err)
		}
		printUser(user)

	case "set-plan":
		requireUserID(*userID)
		p := database.Plan(*plan)
		if !p.Paid() {
			log.Fatalf("invalid --plan %q: must be pro or business", *plan)
		}
		now := time.Now()
		expiry := now.AddDate(0, 1, 0)
		if strings.TrimSpace(*expiresAt) != "" {
			parsed, err := time.Parse(time.RFC3339, *expiresAt)
			if err != nil {
				log.Fatalf("parse --expires-at: %v", err)
			}
			expiry = parsed
		}
		if err := users.ApplyPaidPlan(ctx, *userID, p, &now, &expiry, *subRef, ""); err != nil {
			log.Fatalf("apply plan: %v", err)
		}
		fmt.Printf("user %d set to %s until %s\n", *userID, p, expiry.Format(time.RFC3339))

	case "force-downgrade":
		requireUserID(*userID)
		if err := users.ForceDowngrade(ctx, *userID); err != nil {
			log.Fatalf("force downgrade: %v", err)
		}
		fmt.Printf("user %d downgraded to free\n", *userID)

	case "sweep-expired":
		count, err := users.DowngradeAllExpired(ctx, time.Now())
		if err != nil {
			log.Fatalf("sweep expired plans: %v", err)
		}
		fmt.Printf("downgraded %d expired users\n", count)

	default:
		log.Fatalf("unknown --action %q", *action)
	}
}

func requireUserID(id uint) {
	if id == 0 {
		log.Fatal("missing required flag: --user-id")
	}
}

func printUser(u *database.User) {
	fmt.Printf("id: %d\n", u.ID)
	fmt.Printf("email: %s\n", u.Email)
	fmt.Printf("plan: %s\n", u.Plan)
	if u.PlanStartedAt != nil {
		fmt.Printf("plan_started_at: %s\n", u.PlanStartedAt.Format(time.RFC3339))
	}
	if u.PlanExpiresAt != nil {
		fmt.Printf("plan_expires_at: %s\n", u.PlanExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("stripe_customer_id: %s\n", u.StripeCustomerID)
	if u.StripeSubscriptionID != nil {
		fmt.Printf("stripe_subscription_id: %s\n", *u.StripeSubscriptionID)
	}
}

func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	if strings.TrimSpace(host) == "" {
		host = os.Getenv("DATABASE_HOST")
	}
	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}
	if strings.TrimSpace(name) == "" {
		name = os.Getenv("POSTGRES_DB")
	}
	if strings.TrimSpace(user) == "" {
		user = os.Getenv("POSTGRES_USER")
	}
	if strings.TrimSpace(password) == "" {
		password = os.Getenv("POSTGRES_PASSWORD")
	}
	if strings.TrimSpace(sslmode) == "" {
		sslmode = os.Getenv("DATABASE_SSLMODE")
	}

	if strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	if port <= 0 {
		port = 5432
	}
	if strings.TrimSpace(sslmode) == "" {
		sslmode = "disable"
	}
	if strings.TrimSpace(name) == "" {
		return config.DatabaseConfig{}, errors.New("database name is required (POSTGRES_DB)")
	}
	if strings.TrimSpace(user) == "" {
		return config.DatabaseConfig{}, errors.New("database user is required (POSTGRES_USER)")
	}
	if strings.TrimSpace(password) == "" {
		return config.DatabaseConfig{}, errors.New("database password is required (POSTGRES_PASSWORD)")
	}

	return config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Name:     name,
		User:     user,
		Password: password,
		SSLMode:  sslmode,
	}, nil
}
