package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"vision-sensor/internal/control"
	"vision-sensor/internal/region"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "gRPC control address")
	flag.Parse()

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := control.NewGRPCClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Test 1: status
	fmt.Println("Test 1: Status...")
	resp, err := client.Do(ctx, control.StatusRequest())
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}
	if !resp.OK() || resp.CaptureRegion == nil {
		log.Fatalf("status rejected: %+v", resp)
	}
	fmt.Printf("Region: %+v, fps %.2f, clients %d\n", *resp.CaptureRegion, *resp.FPS, *resp.ActiveClients)
	previous := resp.CaptureRegion.Rect

	// Test 2: region_update
	fmt.Println("\nTest 2: Region update...")
	resp, err = client.Do(ctx, control.RegionUpdateRequest(region.Rect{Top: 10, Left: 20, Width: 640, Height: 480}))
	if err != nil || !resp.OK() {
		log.Fatalf("region_update failed: %+v %v", resp, err)
	}
	fmt.Println("Region updated")

	// Test 3: invalid region is rejected
	fmt.Println("\nTest 3: Invalid region...")
	resp, err = client.Do(ctx, control.RegionUpdateRequest(region.Rect{Width: 0, Height: 480}))
	if err != nil {
		log.Fatalf("region_update failed: %v", err)
	}
	fmt.Printf("Reply: %s %s\n", resp.Status, resp.Message)

	// Test 4: telemetry
	fmt.Println("\nTest 4: Telemetry...")
	ct, ended := 12.5, false
	status := region.StatusPlaying
	resp, err = client.Do(ctx, control.TelemetryRequest(region.TelemetryUpdate{CurrentTime: &ct, IsEnded: &ended, Status: &status}))
	if err != nil || !resp.OK() {
		log.Fatalf("update_telemetry failed: %+v %v", resp, err)
	}
	fmt.Println("Telemetry pushed")

	// restore
	if _, err := client.Do(ctx, control.RegionUpdateRequest(previous)); err != nil {
		log.Fatalf("restore failed: %v", err)
	}

	fmt.Println("\n✅ All control tests completed successfully!")
}
