// 手动触发超时作答收卷脚本
//
// 主应用的定时任务会按 attempt.sweep_spec 自动执行，
// 此脚本用于停机维护后一次性补收积压的超时作答。
//
// 用法: go run scripts/expire_overdue.go

package main

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/repository"
	"assignment_backend/internal/service"
	"assignment_backend/pkg/database"
	"assignment_backend/pkg/logger"
	"context"
	"log"
	"time"
)

func main() {
	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("无法读取配置文件: %v", err)
	}

	logger.InitLogger(cfg)

	db, err := database.InitDB(&cfg.Database, false)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	users := repository.NewUserRepository(db)
	assignments := repository.NewAssignmentRepository(db)
	attempts := repository.NewAttemptRepository(db)
	notifier := service.NewNotificationService(users, repository.NewNotificationRepository(db))
	latch := service.NewMemoryExpiryLatch(cfg.Attempt.LatchTTL)
	svc := service.NewAttemptService(assignments, attempts, users, notifier, latch, cfg.Attempt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Println("手动触发超时收卷任务...")
	total := 0
	for {
		n, err := svc.ExpireOverdue(ctx)
		if err != nil {
			log.Fatalf("收卷失败: %v", err)
		}
		total += n
		if n < cfg.Attempt.SweepBatch {
			break
		}
	}
	log.Printf("完成！共自动提交 %d 份作答", total)
}
