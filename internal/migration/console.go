package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// Console 把迁移操作包一层面向运维的文本输出，
// 供 modelgate migrate 子命令复用
type Console struct {
	migrator Migrator
	out      io.Writer
}

// NewConsole 创建控制台包装，默认写到标准输出
func NewConsole(migrator Migrator) *Console {
	return &Console{migrator: migrator, out: os.Stdout}
}

// SetOutput 重定向输出，测试用
func (c *Console) SetOutput(w io.Writer) {
	c.out = w
}

// Up 应用全部待执行迁移并打印落库版本
func (c *Console) Up(ctx context.Context) error {
	fmt.Fprintln(c.out, "applying catalog migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.reportVersion(ctx, "schema up to date")
}

// Down 回滚最近一次迁移
func (c *Console) Down(ctx context.Context) error {
	fmt.Fprintln(c.out, "rolling back last migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.reportVersion(ctx, "rollback complete")
}

// DownAll 回滚全部迁移
func (c *Console) DownAll(ctx context.Context) error {
	fmt.Fprintln(c.out, "rolling back all migrations...")
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	fmt.Fprintln(c.out, "all migrations rolled back")
	return nil
}

// Goto 迁移到指定版本
func (c *Console) Goto(ctx context.Context, version uint) error {
	fmt.Fprintf(c.out, "migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.reportVersion(ctx, "migration complete")
}

// Force 强制改写版本号，清理 dirty 状态
func (c *Console) Force(ctx context.Context, version int) error {
	fmt.Fprintf(c.out, "forcing version to %d...\n", version)
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.out, "version forced to %d\n", version)
	return nil
}

// Version 打印当前 Schema 版本
func (c *Console) Version(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(c.out, "no migrations applied yet")
		return nil
	}
	fmt.Fprintf(c.out, "current version: %d", version)
	if dirty {
		fmt.Fprint(c.out, " (dirty)")
	}
	fmt.Fprintln(c.out)
	return nil
}

// Status 打印每个迁移的落库状态表
func (c *Console) Status(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "no migrations found")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		status := "pending"
		if s.Applied {
			status = "applied"
		}
		if s.Dirty {
			status = "dirty"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	w.Flush()

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\ntotal: %d, applied: %d, pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// Info 打印版本摘要
func (c *Console) Info(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}
	fmt.Fprintf(c.out, "current version:    %d\n", info.CurrentVersion)
	fmt.Fprintf(c.out, "dirty:              %v\n", info.Dirty)
	fmt.Fprintf(c.out, "total migrations:   %d\n", info.TotalMigrations)
	fmt.Fprintf(c.out, "applied migrations: %d\n", info.AppliedMigrations)
	fmt.Fprintf(c.out, "pending migrations: %d\n", info.PendingMigrations)
	return nil
}

func (c *Console) reportVersion(ctx context.Context, msg string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s, current version: %d\n", msg, info.CurrentVersion)
	return nil
}
